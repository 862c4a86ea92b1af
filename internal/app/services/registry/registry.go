// Package registry holds the terminal catalog at runtime: the ordered
// set of configured portals, their activation flags and their persisted
// health and stats.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/storage"
	"github.com/harborsync/harborsync/pkg/logger"
)

// ErrUnknownTerminal is returned for keys not present in the catalog.
var ErrUnknownTerminal = errors.New("unknown terminal")

// Overview combines a catalog entry with its persisted state.
type Overview struct {
	Terminal terminal.Terminal
	Health   terminal.Health
	Stats    terminal.Stats
}

// Service is the terminal catalog.
type Service struct {
	mu        sync.RWMutex
	order     []string
	terminals map[string]terminal.Terminal

	states storage.TerminalStore
	log    *logger.Logger
}

// New builds the catalog. Order follows the configuration; duplicate
// keys were rejected at config load.
func New(terminals []terminal.Terminal, states storage.TerminalStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	s := &Service{
		terminals: make(map[string]terminal.Terminal, len(terminals)),
		states:    states,
		log:       log,
	}
	for _, t := range terminals {
		s.order = append(s.order, t.Key)
		s.terminals[t.Key] = t
	}
	return s
}

// List returns every terminal in configuration order.
func (s *Service) List() []terminal.Terminal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]terminal.Terminal, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.terminals[key])
	}
	return out
}

// Active returns the terminals currently enabled for polling, in
// configuration order.
func (s *Service) Active() []terminal.Terminal {
	out := s.List()[:0:0]
	for _, t := range s.List() {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// Get looks up one terminal by key.
func (s *Service) Get(key string) (terminal.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.terminals[key]
	if !ok {
		return terminal.Terminal{}, fmt.Errorf("%w: %s", ErrUnknownTerminal, key)
	}
	return t, nil
}

// SetActive toggles a terminal without restarting the service.
func (s *Service) SetActive(key string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, key)
	}
	t.Active = active
	s.terminals[key] = t
	s.log.WithField("terminal", key).Infof("active set to %v", active)
	return nil
}

// Overview returns each terminal with its persisted health and stats.
// A terminal with no persisted state yet reports zero values.
func (s *Service) Overview(ctx context.Context) ([]Overview, error) {
	out := make([]Overview, 0, len(s.order))
	for _, t := range s.List() {
		state, err := s.states.GetTerminalState(ctx, t.Key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("state for %s: %w", t.Key, err)
		}
		out = append(out, Overview{Terminal: t, Health: state.Health, Stats: state.Stats})
	}
	return out, nil
}
