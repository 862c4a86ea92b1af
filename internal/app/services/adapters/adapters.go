// Package adapters implements the per-protocol portal clients. One
// adapter serves every terminal in its group; the session manager owns
// the per-terminal connection state the adapter runs against.
package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/session"
)

// ErrUpstreamProtocol means the portal answered with something the
// adapter does not recognize. The message quotes a bounded prefix of
// the body for debugging.
var ErrUpstreamProtocol = errors.New("unexpected portal response")

// ErrSessionExpired means the portal dropped the session mid-batch.
var ErrSessionExpired = errors.New("session expired")

// protocolError builds an ErrUpstreamProtocol quoting at most 250
// bytes of the offending body.
func protocolError(what string, body []byte) error {
	snippet := body
	if len(snippet) > 250 {
		snippet = snippet[:250]
	}
	return fmt.Errorf("%w: %s: %q", ErrUpstreamProtocol, what, string(snippet))
}

// Adapter is one protocol implementation.
type Adapter interface {
	Group() terminal.Group
	// ProbePath is the authenticated path the session manager fetches
	// to test liveness for this protocol.
	ProbePath(term terminal.Terminal) string
	// Login authenticates against the portal, mutating the state's jar
	// and token.
	Login(ctx context.Context, st *session.State, term terminal.Terminal) error
	// BulkCheck queries availability for the given container numbers.
	// Partial results are returned alongside a failure so callers keep
	// what earlier chunks produced.
	BulkCheck(ctx context.Context, st *session.State, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, error)
}

// Registry maps protocol groups to their adapter.
type Registry struct {
	byGroup map[terminal.Group]Adapter
}

// NewRegistry builds a registry. Registering two adapters for one
// group is a programming error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byGroup: make(map[terminal.Group]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.byGroup[a.Group()]; dup {
			return nil, fmt.Errorf("adapter for group %q registered twice", a.Group())
		}
		r.byGroup[a.Group()] = a
	}
	return r, nil
}

// ForGroup returns the adapter serving a group.
func (r *Registry) ForGroup(g terminal.Group) (Adapter, error) {
	a, ok := r.byGroup[g]
	if !ok {
		return nil, fmt.Errorf("no adapter for group %q", g)
	}
	return a, nil
}

// chunkSize caps containers per portal request. The portals reject or
// silently truncate larger batches.
const chunkSize = 50

// inChunks runs fn over numbers in chunkSize slices, sequentially.
// Results are deduplicated by container number across the whole batch.
// When a later chunk fails, the results accumulated so far are
// returned alongside the error.
func inChunks(ctx context.Context, numbers []string, fn func(ctx context.Context, chunk []string) ([]container.AvailabilityRecord, error)) ([]container.AvailabilityRecord, error) {
	var out []container.AvailabilityRecord
	seen := make(map[string]bool, len(numbers))
	for start := 0; start < len(numbers); start += chunkSize {
		end := start + chunkSize
		if end > len(numbers) {
			end = len(numbers)
		}
		records, err := fn(ctx, numbers[start:end])
		for _, rec := range records {
			if rec.Number == "" || seen[rec.Number] {
				continue
			}
			seen[rec.Number] = true
			out = append(out, rec)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
