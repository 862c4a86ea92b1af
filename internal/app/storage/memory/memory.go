// Package memory is an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended
// for tests and local development.
package memory

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/storage"
)

// Store implements ContainerStore, SessionStore and TerminalStore.
type Store struct {
	mu         sync.RWMutex
	containers map[string]container.Container
	order      []string
	sessions   map[string]terminal.Session
	states     map[string]storage.TerminalState
}

var _ storage.ContainerStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.TerminalStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		containers: make(map[string]container.Container),
		sessions:   make(map[string]terminal.Session),
		states:     make(map[string]storage.TerminalState),
	}
}

// ContainerStore implementation ----------------------------------------------

func (s *Store) UpsertContainers(_ context.Context, items []container.Container) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	written := 0
	for _, item := range items {
		if item.Number == "" {
			return written, fmt.Errorf("container number is required")
		}
		existing, ok := s.containers[item.Number]
		if ok {
			item.CreatedAt = existing.CreatedAt
		} else {
			item.CreatedAt = now
			s.order = append(s.order, item.Number)
		}
		item.UpdatedAt = now
		s.containers[item.Number] = item
		written++
	}
	return written, nil
}

func (s *Store) GetContainer(_ context.Context, number string) (container.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.containers[number]
	if !ok {
		return container.Container{}, fmt.Errorf("container %s: %w", number, storage.ErrNotFound)
	}
	return c, nil
}

func (s *Store) ListContainers(_ context.Context) ([]container.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]container.Container, 0, len(s.order))
	for _, number := range s.order {
		out = append(out, s.containers[number])
	}
	return out, nil
}

func (s *Store) FilterExisting(_ context.Context, numbers []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, n := range numbers {
		if c, ok := s.containers[n]; ok && c.Status != container.StatusMissing {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) ApplyRecords(_ context.Context, records []container.AvailabilityRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, rec := range records {
		stored, ok := s.containers[rec.Number]
		if !ok {
			// reconciliation never creates containers
			continue
		}
		if !rec.Changed(stored) {
			continue
		}
		updated := rec.Apply(stored)
		updated.UpdatedAt = time.Now().UTC()
		s.containers[rec.Number] = updated
		written++
	}
	return written, nil
}

// SessionStore implementation ------------------------------------------------

func (s *Store) LoadSession(_ context.Context, terminalKey string) (terminal.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[terminalKey]
	if !ok {
		return terminal.Session{}, fmt.Errorf("session %s: %w", terminalKey, storage.ErrNotFound)
	}
	sess.Cookies = append([]byte(nil), sess.Cookies...)
	return sess, nil
}

func (s *Store) SaveSession(_ context.Context, terminalKey string, sess terminal.Session) error {
	if terminalKey == "" {
		return fmt.Errorf("terminal key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.Cookies = append([]byte(nil), sess.Cookies...)
	s.sessions[terminalKey] = sess
	return nil
}

// TerminalStore implementation -----------------------------------------------

func (s *Store) GetTerminalState(_ context.Context, terminalKey string) (storage.TerminalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[terminalKey]
	if !ok {
		return storage.TerminalState{}, fmt.Errorf("terminal %s: %w", terminalKey, storage.ErrNotFound)
	}
	state.Stats.Statuses = cloneCounts(state.Stats.Statuses)
	return state, nil
}

func (s *Store) RecordError(_ context.Context, terminalKey, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[terminalKey]
	state.Health.LastError = message
	state.Health.LastErrorAt = at
	s.states[terminalKey] = state
	return nil
}

func (s *Store) RecordSuccess(_ context.Context, terminalKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[terminalKey]
	state.Health.LastSuccessAt = at
	s.states[terminalKey] = state
	return nil
}

func (s *Store) SaveStats(_ context.Context, terminalKey string, stats terminal.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats.Statuses = cloneCounts(stats.Statuses)
	state := s.states[terminalKey]
	state.Stats = stats
	s.states[terminalKey] = state
	return nil
}

func cloneCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
