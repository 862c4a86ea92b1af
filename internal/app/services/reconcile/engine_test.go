package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/adapters"
	"github.com/harborsync/harborsync/internal/app/services/fetch"
	"github.com/harborsync/harborsync/internal/app/services/registry"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/internal/app/storage/memory"
)

// scriptedAdapter returns fixed records for the numbers it knows.
type scriptedAdapter struct {
	group    terminal.Group
	known    map[string]container.AvailabilityRecord
	loginErr error

	mu    sync.Mutex
	asked [][]string
}

func (f *scriptedAdapter) polls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.asked...)
}

func (f *scriptedAdapter) Group() terminal.Group              { return f.group }
func (f *scriptedAdapter) ProbePath(terminal.Terminal) string { return "probe" }
func (f *scriptedAdapter) Login(context.Context, *session.State, terminal.Terminal) error {
	return f.loginErr
}

func (f *scriptedAdapter) BulkCheck(_ context.Context, _ *session.State, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, error) {
	f.mu.Lock()
	f.asked = append(f.asked, append([]string(nil), numbers...))
	f.mu.Unlock()
	var out []container.AvailabilityRecord
	for _, n := range numbers {
		if rec, ok := f.known[n]; ok {
			rec.Terminal = term.Key
			out = append(out, rec)
		}
	}
	return out, nil
}

type fixture struct {
	store  *memory.Store
	engine *Engine
}

func newFixture(t *testing.T, terms []terminal.Terminal, adapterList ...adapters.Adapter) *fixture {
	t.Helper()
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(portal.Close)
	for i := range terms {
		if terms[i].BaseURL == "" {
			terms[i].BaseURL = portal.URL
		}
	}

	store := memory.New()
	catalog := registry.New(terms, store, nil)
	sessions := session.NewManager(store, store, fetch.Options{Timeout: time.Second, RetryDelay: time.Millisecond}, nil)
	reg, err := adapters.NewRegistry(adapterList...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &fixture{
		store:  store,
		engine: NewEngine(store, store, catalog, sessions, reg, nil, nil),
	}
}

func seed(t *testing.T, store *memory.Store, items ...container.Container) {
	t.Helper()
	if _, err := store.UpsertContainers(context.Background(), items); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func tracked(number, term, status string) container.Container {
	c := container.NewContainer()
	c.Number = number
	c.Terminal = term
	c.Status = status
	return c
}

func TestUnreturnedContainersGoPending(t *testing.T) {
	adapter := &scriptedAdapter{
		group: terminal.GroupTideworks,
		known: map[string]container.AvailabilityRecord{
			"MSCU0000001": {Number: "MSCU0000001", Status: "import"},
			"MSCU0000002": {Number: "MSCU0000002", Status: "available"},
			"MSCU0000003": {Number: "MSCU0000003", Status: "import"},
		},
	}
	fx := newFixture(t, []terminal.Terminal{
		{Key: "t18", Group: terminal.GroupTideworks, Active: true},
	}, adapter)
	seed(t, fx.store,
		tracked("MSCU0000001", "t18", "import"),
		tracked("MSCU0000002", "t18", "import"),
		tracked("MSCU0000003", "t18", "import"),
		tracked("MSCU0000004", "t18", "import"),
		tracked("MSCU0000005", "t18", "import"),
	)

	summary, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Pending != 2 {
		t.Fatalf("expected 2 pending, got %+v", summary)
	}

	ctx := context.Background()
	for _, n := range []string{"MSCU0000004", "MSCU0000005"} {
		c, err := fx.store.GetContainer(ctx, n)
		if err != nil {
			t.Fatalf("get %s: %v", n, err)
		}
		if c.Status != container.StatusPending {
			t.Fatalf("%s should be pending, got %q", n, c.Status)
		}
		if c.StatusDesc != container.PendingDescription {
			t.Fatalf("%s pending description missing: %q", n, c.StatusDesc)
		}
	}
	c, _ := fx.store.GetContainer(ctx, "MSCU0000002")
	if c.Status != "available" {
		t.Fatalf("returned container not updated: %+v", c)
	}
}

func TestEndToEndCustodyScenario(t *testing.T) {
	// Terminal A holds two containers and also reports the unassigned
	// Z. Terminal B holds one container it no longer returns.
	adapterA := &scriptedAdapter{
		group: terminal.GroupTideworks,
		known: map[string]container.AvailabilityRecord{
			"MSCU0000001": {Number: "MSCU0000001", Status: "import"},
			"MSCU0000002": {Number: "MSCU0000002", Status: "available"},
			"HDMU0000009": {Number: "HDMU0000009", Status: "import"},
		},
	}
	adapterB := &scriptedAdapter{group: terminal.GroupWUT}
	fx := newFixture(t, []terminal.Terminal{
		{Key: "a", Group: terminal.GroupTideworks, Active: true},
		{Key: "b", Group: terminal.GroupWUT, Active: true},
	}, adapterA, adapterB)

	z := tracked("HDMU0000009", "gone", container.StatusPending)
	seed(t, fx.store,
		tracked("MSCU0000001", "a", "import"),
		tracked("MSCU0000002", "a", "import"),
		tracked("TCLU0000003", "b", "import"),
		z,
	)

	summary, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.ClawedBack != 1 || summary.Pending != 1 || summary.Updated != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	ctx := context.Background()
	got, _ := fx.store.GetContainer(ctx, "HDMU0000009")
	if got.Terminal != "a" || got.Status != "import" {
		t.Fatalf("claw-back failed: %+v", got)
	}
	b, _ := fx.store.GetContainer(ctx, "TCLU0000003")
	if b.Status != container.StatusPending || b.Terminal != "b" {
		t.Fatalf("unreturned container should stay at b as pending: %+v", b)
	}

	// B was polled for its own container plus the unassigned Z minus
	// what A already clawed back.
	bPolls := adapterB.polls()
	if len(bPolls) != 1 {
		t.Fatalf("b polled %d times", len(bPolls))
	}
	for _, n := range bPolls[0] {
		if n == "HDMU0000009" {
			t.Fatal("clawed-back container still offered to b")
		}
	}

	// Stats histogram per terminal.
	stateA, err := fx.store.GetTerminalState(ctx, "a")
	if err != nil {
		t.Fatalf("state a: %v", err)
	}
	if stateA.Stats.TotalContainers != 3 || stateA.Stats.Statuses["import"] != 2 || stateA.Stats.Statuses["available"] != 1 {
		t.Fatalf("unexpected stats for a: %+v", stateA.Stats)
	}
	stateB, err := fx.store.GetTerminalState(ctx, "b")
	if err != nil {
		t.Fatalf("state b: %v", err)
	}
	if stateB.Stats.TotalContainers != 1 || stateB.Stats.Statuses[container.StatusPending] != 1 {
		t.Fatalf("unexpected stats for b: %+v", stateB.Stats)
	}
}

func TestSecondIdenticalCycleWritesNothing(t *testing.T) {
	adapter := &scriptedAdapter{
		group: terminal.GroupTideworks,
		known: map[string]container.AvailabilityRecord{
			"MSCU0000001": {Number: "MSCU0000001", Status: "import"},
		},
	}
	fx := newFixture(t, []terminal.Terminal{
		{Key: "t18", Group: terminal.GroupTideworks, Active: true},
	}, adapter)
	seed(t, fx.store, tracked("MSCU0000001", "t18", "new"))

	first, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Written != 1 {
		t.Fatalf("first run should write once, got %+v", first)
	}
	second, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Written != 0 {
		t.Fatalf("identical cycle must not write, got %+v", second)
	}
}

func TestTerminalFailureIsIsolated(t *testing.T) {
	healthy := &scriptedAdapter{
		group: terminal.GroupWUT,
		known: map[string]container.AvailabilityRecord{
			"MSCU0000002": {Number: "MSCU0000002", Status: "available"},
		},
	}
	fx := newFixture(t, []terminal.Terminal{
		// The dead terminal points at a closed port.
		{Key: "dead", Group: terminal.GroupTideworks, Active: true, BaseURL: "http://127.0.0.1:1"},
		{Key: "wut", Group: terminal.GroupWUT, Active: true},
	}, &scriptedAdapter{group: terminal.GroupTideworks, loginErr: session.ErrAuthentication}, healthy)
	seed(t, fx.store,
		tracked("MSCU0000001", "dead", "import"),
		tracked("MSCU0000002", "wut", "import"),
	)

	summary, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("cycle must survive a dead terminal: %v", err)
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "dead" {
		t.Fatalf("failure not reported: %+v", summary)
	}

	ctx := context.Background()
	// The unreachable terminal's container must not be parked pending
	// off an incomplete poll.
	c, _ := fx.store.GetContainer(ctx, "MSCU0000001")
	if c.Status != "import" {
		t.Fatalf("container on failed terminal was touched: %+v", c)
	}
	c, _ = fx.store.GetContainer(ctx, "MSCU0000002")
	if c.Status != "available" {
		t.Fatalf("healthy terminal not reconciled: %+v", c)
	}
}

func TestEmptyStoreShortCircuits(t *testing.T) {
	adapter := &scriptedAdapter{group: terminal.GroupWUT}
	fx := newFixture(t, []terminal.Terminal{
		{Key: "wut", Group: terminal.GroupWUT, Active: true},
	}, adapter)

	summary, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Polled != 0 || len(adapter.polls()) != 0 {
		t.Fatalf("empty store must not poll: %+v", summary)
	}
}

func TestTerminalWithoutAssignmentsIsNotPolled(t *testing.T) {
	// idle knows the drifting container but holds no assignments, so it
	// must stay out of the cycle entirely.
	idle := &scriptedAdapter{
		group: terminal.GroupTideworks,
		known: map[string]container.AvailabilityRecord{
			"HDMU0000009": {Number: "HDMU0000009", Status: "import"},
		},
	}
	busy := &scriptedAdapter{
		group: terminal.GroupWUT,
		known: map[string]container.AvailabilityRecord{
			"MSCU0000001": {Number: "MSCU0000001", Status: "available"},
		},
	}
	fx := newFixture(t, []terminal.Terminal{
		{Key: "idle", Group: terminal.GroupTideworks, Active: true},
		{Key: "busy", Group: terminal.GroupWUT, Active: true},
	}, idle, busy)
	seed(t, fx.store,
		tracked("MSCU0000001", "busy", "import"),
		tracked("HDMU0000009", "gone", container.StatusPending),
	)

	summary, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(idle.polls()) != 0 {
		t.Fatalf("terminal without assignments was polled: %v", idle.polls())
	}
	if summary.Polled != 1 {
		t.Fatalf("expected a single poll, got %+v", summary)
	}

	busyPolls := busy.polls()
	if len(busyPolls) != 1 {
		t.Fatalf("busy polled %d times", len(busyPolls))
	}
	offered := map[string]bool{}
	for _, n := range busyPolls[0] {
		offered[n] = true
	}
	if !offered["HDMU0000009"] {
		t.Fatal("unassigned container not offered to the polled terminal")
	}
}
