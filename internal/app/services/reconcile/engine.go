// Package reconcile implements the periodic custody sweep: every
// tracked container is re-checked against the terminal that last
// reported it, containers the terminal no longer returns are parked as
// pending, and pending containers are shopped to every polled terminal
// until one claims them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/metrics"
	"github.com/harborsync/harborsync/internal/app/services/adapters"
	"github.com/harborsync/harborsync/internal/app/services/registry"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/internal/app/storage"
	"github.com/harborsync/harborsync/pkg/logger"
)

// Summary reports what one cycle did.
type Summary struct {
	Tracked    int      `json:"tracked"`
	Polled     int      `json:"polled_terminals"`
	Updated    int      `json:"updated"`
	Pending    int      `json:"marked_pending"`
	ClawedBack int      `json:"clawed_back"`
	Written    int      `json:"rows_written"`
	Failed     []string `json:"failed_terminals,omitempty"`
	Duration   string   `json:"duration"`
}

// Engine runs reconciliation cycles. Run is idempotent and safe to
// trigger manually between scheduled runs.
type Engine struct {
	containers storage.ContainerStore
	terminals  storage.TerminalStore
	catalog    *registry.Service
	sessions   *session.Manager
	adapters   *adapters.Registry
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time
}

// NewEngine creates the engine. metrics may be nil.
func NewEngine(containers storage.ContainerStore, terminals storage.TerminalStore, catalog *registry.Service, sessions *session.Manager, reg *adapters.Registry, m *metrics.Metrics, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	return &Engine{
		containers: containers,
		terminals:  terminals,
		catalog:    catalog,
		sessions:   sessions,
		adapters:   reg,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Run executes one full cycle. Terminal failures are isolated: they
// are recorded in terminal health and the cycle carries on. The
// returned error covers storage failures only.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	started := e.now()
	summary := Summary{}

	all, err := e.containers.ListContainers(ctx)
	if err != nil {
		e.observeCycle("error", started)
		return summary, fmt.Errorf("list containers: %w", err)
	}
	summary.Tracked = len(all)
	if len(all) == 0 {
		summary.Duration = e.now().Sub(started).String()
		e.observeCycle("success", started)
		return summary, nil
	}

	// Partition. Pending containers lost their terminal claim last
	// cycle and go back on the market regardless of the stale
	// assignment they still carry.
	assigned := make(map[string][]container.Container)
	unassigned := make(map[string]container.Container)
	for _, c := range all {
		if c.Status == container.StatusPending || c.Terminal == "" {
			unassigned[c.Number] = c
			continue
		}
		assigned[c.Terminal] = append(assigned[c.Terminal], c)
	}

	var records []container.AvailabilityRecord
	for _, term := range e.catalog.Active() {
		// Only terminals holding assignments are polled; the unassigned
		// bucket rides along on their requests.
		own := assigned[term.Key]
		if len(own) == 0 {
			continue
		}

		numbers := make([]string, 0, len(own)+len(unassigned))
		for _, c := range own {
			numbers = append(numbers, c.Number)
		}
		for n := range unassigned {
			numbers = append(numbers, n)
		}

		returned, ok := e.pollTerminal(ctx, term, numbers)
		summary.Polled++

		for _, rec := range returned {
			if _, wasUnassigned := unassigned[rec.Number]; wasUnassigned {
				// Claw-back: an open-market container surfaced here.
				delete(unassigned, rec.Number)
				rec.Terminal = term.Key
				if rec.Status == "" {
					rec.Status = container.StatusPending
				}
				summary.ClawedBack++
			} else {
				summary.Updated++
			}
			records = append(records, rec)
		}

		if !ok {
			// Incomplete poll: leaving the unreturned containers alone
			// beats wrongly parking them as pending.
			summary.Failed = append(summary.Failed, term.Key)
			continue
		}

		returnedSet := make(map[string]bool, len(returned))
		for _, rec := range returned {
			returnedSet[rec.Number] = true
		}
		for _, c := range own {
			if returnedSet[c.Number] {
				continue
			}
			records = append(records, container.AvailabilityRecord{
				Number:     c.Number,
				Status:     container.StatusPending,
				StatusDesc: container.PendingDescription,
			})
			summary.Pending++
		}

		if err := e.terminals.RecordSuccess(ctx, term.Key, e.now()); err != nil {
			e.observeCycle("error", started)
			return summary, fmt.Errorf("record success for %s: %w", term.Key, err)
		}
	}

	written, err := e.containers.ApplyRecords(ctx, records)
	if err != nil {
		e.observeCycle("error", started)
		return summary, fmt.Errorf("write back records: %w", err)
	}
	summary.Written = written
	if e.metrics != nil {
		e.metrics.ReconcileWrites.Add(float64(written))
	}

	if err := e.saveStats(ctx); err != nil {
		e.observeCycle("error", started)
		return summary, err
	}

	summary.Duration = e.now().Sub(started).String()
	e.observeCycle("success", started)
	e.log.WithField("summary", fmt.Sprintf("%+v", summary)).Infof("cycle complete")
	return summary, nil
}

// pollTerminal connects and queries. ok reports whether the poll can
// be trusted as complete; records may be partial either way.
func (e *Engine) pollTerminal(ctx context.Context, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, bool) {
	log := e.log.WithField("terminal", term.Key)

	adapter, err := e.adapters.ForGroup(term.Group)
	if err != nil {
		log.WithError(err).Warnf("no adapter, skipping")
		return nil, false
	}
	st, ok, err := e.sessions.Connect(ctx, term, session.ConnectOptions{
		LoadPersisted: true,
		ProbePath:     adapter.ProbePath(term),
		Login: func(ctx context.Context, st *session.State) error {
			return adapter.Login(ctx, st, term)
		},
	})
	if err != nil {
		log.WithError(err).Warnf("session state unavailable")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	records, err := adapter.BulkCheck(ctx, st, term, numbers)
	if err != nil {
		if errors.Is(err, adapters.ErrSessionExpired) {
			e.sessions.Invalidate(term)
		}
		if e.metrics != nil {
			e.metrics.AdapterError(term.Key)
		}
		log.WithError(err).Warnf("poll failed with %d partial results", len(records))
		if rerr := e.terminals.RecordError(ctx, term.Key, err.Error(), e.now()); rerr != nil {
			log.WithError(rerr).Warnf("record error")
		}
		return records, false
	}
	return records, true
}

// saveStats recomputes the per-terminal histogram from the stored
// state after write-back, so the numbers reflect what actually landed.
func (e *Engine) saveStats(ctx context.Context) error {
	all, err := e.containers.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list for stats: %w", err)
	}
	perTerminal := make(map[string]*terminal.Stats)
	for _, c := range all {
		key := c.Terminal
		if key == "" {
			continue
		}
		stats, ok := perTerminal[key]
		if !ok {
			stats = &terminal.Stats{Statuses: map[string]int{}, LastUpdatedAt: e.now()}
			perTerminal[key] = stats
		}
		stats.TotalContainers++
		stats.Statuses[c.Status]++
	}
	for key, stats := range perTerminal {
		if err := e.terminals.SaveStats(ctx, key, *stats); err != nil {
			return fmt.Errorf("save stats for %s: %w", key, err)
		}
		if e.metrics != nil {
			e.metrics.TerminalContainers.WithLabelValues(key).Set(float64(stats.TotalContainers))
		}
	}
	return nil
}

func (e *Engine) observeCycle(outcome string, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ReconcileCycles.WithLabelValues(outcome).Inc()
	e.metrics.ReconcileDuration.Observe(e.now().Sub(started).Seconds())
}
