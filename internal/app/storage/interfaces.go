// Package storage declares the persistence interfaces the services are
// written against. Implementations live in the memory, postgres and
// redisstore subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
)

// ErrNotFound is returned when a keyed lookup has no match.
var ErrNotFound = errors.New("not found")

// TerminalState is the persisted runtime view of a terminal.
type TerminalState struct {
	Health terminal.Health
	Stats  terminal.Stats
}

// ContainerStore persists container custody records.
type ContainerStore interface {
	// UpsertContainers inserts or replaces records by container number.
	// Used by the bulk-add flow, which is allowed to create rows.
	UpsertContainers(ctx context.Context, items []container.Container) (int, error)

	GetContainer(ctx context.Context, number string) (container.Container, error)
	ListContainers(ctx context.Context) ([]container.Container, error)

	// FilterExisting returns the subset of numbers already stored with a
	// status other than missing. A missing container may be re-added.
	FilterExisting(ctx context.Context, numbers []string) ([]string, error)

	// ApplyRecords performs the differential write-back: for each record
	// it updates the stored container only when at least one tracked
	// field differs, and never creates rows. Returns the number of rows
	// actually written.
	ApplyRecords(ctx context.Context, records []container.AvailabilityRecord) (int, error)
}

// SessionStore persists the cookie-equivalent session artifact per
// terminal so a fresh process can resume without re-authenticating.
type SessionStore interface {
	// LoadSession returns ErrNotFound when no session was ever saved.
	LoadSession(ctx context.Context, terminalKey string) (terminal.Session, error)
	SaveSession(ctx context.Context, terminalKey string, sess terminal.Session) error
}

// TerminalStore persists terminal health and aggregated statistics.
type TerminalStore interface {
	GetTerminalState(ctx context.Context, terminalKey string) (TerminalState, error)
	RecordError(ctx context.Context, terminalKey, message string, at time.Time) error
	RecordSuccess(ctx context.Context, terminalKey string, at time.Time) error
	SaveStats(ctx context.Context, terminalKey string, stats terminal.Stats) error
}
