// Package lookup orchestrates bulk availability checks across the
// terminal catalog: each terminal is asked only about the numbers no
// earlier terminal resolved.
package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/adapters"
	"github.com/harborsync/harborsync/internal/app/services/registry"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/pkg/logger"
)

// SelectionAuto asks for the whole catalog in configuration order.
const SelectionAuto = "auto"

// MissingEntry is a number no selected terminal returned.
type MissingEntry struct {
	Number string `json:"number"`
	Reason string `json:"reason"`
}

// Result of one bulk lookup.
type Result struct {
	Found   []container.AvailabilityRecord `json:"found"`
	Missing []MissingEntry                 `json:"missing"`
	Invalid []string                       `json:"invalid,omitempty"`
}

// Metrics the orchestrator emits. Satisfied by the metrics package.
type Metrics interface {
	LookupRequest()
	LookupResolved(found, missing int)
	AdapterError(terminalKey string)
}

// Service runs bulk lookups.
type Service struct {
	catalog  *registry.Service
	sessions *session.Manager
	adapters *adapters.Registry
	metrics  Metrics
	log      *logger.Logger
}

// New creates the orchestrator. metrics may be nil.
func New(catalog *registry.Service, sessions *session.Manager, reg *adapters.Registry, metrics Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("lookup")
	}
	return &Service{catalog: catalog, sessions: sessions, adapters: reg, metrics: metrics, log: log}
}

// BulkAvailabilityCheck resolves container numbers against the selected
// terminals. Input numbers are normalized and deduplicated; invalid
// shapes are reported, not fatal. selection lists terminal keys, or the
// single sentinel "auto" for the whole catalog in order; an empty
// selection selects nothing and returns the empty result without any
// portal traffic. Terminals are polled sequentially, each seeing only
// the still-unresolved set, and polling stops as soon as everything is
// resolved. A terminal that cannot be logged into or whose adapter
// fails contributes nothing and the lookup moves on; an error return
// means the request itself was malformed.
func (s *Service) BulkAvailabilityCheck(ctx context.Context, numbers []string, selection []string) (Result, error) {
	valid, invalid := container.NormalizeNumbers(numbers...)
	result := Result{Invalid: invalid}
	if len(valid) == 0 || len(selection) == 0 {
		return result, nil
	}
	if s.metrics != nil {
		s.metrics.LookupRequest()
	}

	terminals, err := s.resolveSelection(selection)
	if err != nil {
		return Result{}, err
	}

	unresolved := make(map[string]bool, len(valid))
	for _, n := range valid {
		unresolved[n] = true
	}

	for _, term := range terminals {
		if len(unresolved) == 0 {
			break
		}
		records := s.checkTerminal(ctx, term, orderedKeys(valid, unresolved))
		for _, rec := range records {
			if !unresolved[rec.Number] {
				continue
			}
			delete(unresolved, rec.Number)
			result.Found = append(result.Found, rec)
		}
	}

	for _, n := range valid {
		if unresolved[n] {
			result.Missing = append(result.Missing, MissingEntry{
				Number: n,
				Reason: "not returned by any selected terminal",
			})
		}
	}
	if s.metrics != nil {
		s.metrics.LookupResolved(len(result.Found), len(result.Missing))
	}
	return result, nil
}

func (s *Service) resolveSelection(selection []string) ([]terminal.Terminal, error) {
	if len(selection) == 1 && selection[0] == SelectionAuto {
		return s.catalog.Active(), nil
	}
	out := make([]terminal.Terminal, 0, len(selection))
	for _, key := range selection {
		if key == SelectionAuto {
			return nil, fmt.Errorf("selection %q cannot be combined with terminal keys", SelectionAuto)
		}
		term, err := s.catalog.Get(key)
		if err != nil {
			return nil, err
		}
		out = append(out, term)
	}
	return out, nil
}

// checkTerminal resolves what it can and swallows portal failures.
func (s *Service) checkTerminal(ctx context.Context, term terminal.Terminal, numbers []string) []container.AvailabilityRecord {
	log := s.log.WithField("terminal", term.Key)

	adapter, err := s.adapters.ForGroup(term.Group)
	if err != nil {
		log.WithError(err).Warnf("skipping terminal")
		return nil
	}
	st, ok, err := s.sessions.Connect(ctx, term, session.ConnectOptions{
		LoadPersisted: true,
		ProbePath:     adapter.ProbePath(term),
		Login: func(ctx context.Context, st *session.State) error {
			return adapter.Login(ctx, st, term)
		},
	})
	if err != nil {
		log.WithError(err).Warnf("session state unavailable")
		return nil
	}
	if !ok {
		log.Infof("terminal unavailable, skipping")
		return nil
	}

	records, err := adapter.BulkCheck(ctx, st, term, numbers)
	if err != nil {
		if errors.Is(err, adapters.ErrSessionExpired) {
			// The session died mid-batch; drop it so the next connect
			// starts clean instead of probing a corpse.
			s.sessions.Invalidate(term)
		}
		// Partial results before the failure still count.
		if s.metrics != nil {
			s.metrics.AdapterError(term.Key)
		}
		log.WithError(err).Warnf("bulk check failed, keeping %d partial results", len(records))
	}
	return records
}

// orderedKeys returns the unresolved numbers in their original input
// order, so portal requests stay deterministic.
func orderedKeys(all []string, unresolved map[string]bool) []string {
	out := make([]string, 0, len(unresolved))
	for _, n := range all {
		if unresolved[n] {
			out = append(out, n)
		}
	}
	return out
}
