// Package postgres implements the storage interfaces backed by
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/storage"
)

// Store implements ContainerStore, SessionStore and TerminalStore.
type Store struct {
	db *sqlx.DB
}

var _ storage.ContainerStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.TerminalStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type containerRow struct {
	Number                 string    `db:"number"`
	Terminal               string    `db:"terminal"`
	SubTerminal            string    `db:"sub_terminal"`
	Status                 string    `db:"status"`
	StatusDesc             string    `db:"status_desc"`
	ContainerTypeSize      string    `db:"container_type_size"`
	ContainerTypeSizeLabel string    `db:"container_type_size_label"`
	LastFreeDate           string    `db:"last_free_date"`
	AppointmentDate        string    `db:"appointment_date"`
	CustomStatus           string    `db:"custom_status"`
	CustomTimestamp        string    `db:"custom_timestamp"`
	Carrier                string    `db:"carrier"`
	CustomerStatus         string    `db:"customer_status"`
	CustomerHoldReason     string    `db:"customer_hold_reason"`
	LineReleaseStatus      string    `db:"line_release_status"`
	LineFirstFree          string    `db:"line_first_free"`
	DwellAmount            float64   `db:"dwell_amount"`
	DamageFeeOutstanding   string    `db:"damage_fee_outstanding"`
	TerminalHold           string    `db:"terminal_hold"`
	TerminalHoldReason     string    `db:"terminal_hold_reason"`
	Origin                 string    `db:"origin"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r containerRow) model() container.Container {
	return container.Container{
		Number:                 r.Number,
		Terminal:               r.Terminal,
		SubTerminal:            r.SubTerminal,
		Status:                 r.Status,
		StatusDesc:             r.StatusDesc,
		ContainerTypeSize:      r.ContainerTypeSize,
		ContainerTypeSizeLabel: r.ContainerTypeSizeLabel,
		LastFreeDate:           r.LastFreeDate,
		AppointmentDate:        r.AppointmentDate,
		CustomStatus:           r.CustomStatus,
		CustomTimestamp:        r.CustomTimestamp,
		Carrier:                r.Carrier,
		CustomerStatus:         r.CustomerStatus,
		CustomerHoldReason:     r.CustomerHoldReason,
		LineReleaseStatus:      r.LineReleaseStatus,
		LineFirstFree:          r.LineFirstFree,
		DwellAmount:            r.DwellAmount,
		DamageFeeOutstanding:   r.DamageFeeOutstanding,
		TerminalHold:           r.TerminalHold,
		TerminalHoldReason:     r.TerminalHoldReason,
		Origin:                 r.Origin,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

const containerColumns = `number, terminal, sub_terminal, status, status_desc,
	container_type_size, container_type_size_label, last_free_date,
	appointment_date, custom_status, custom_timestamp, carrier,
	customer_status, customer_hold_reason, line_release_status,
	line_first_free, dwell_amount, damage_fee_outstanding, terminal_hold,
	terminal_hold_reason, origin, created_at, updated_at`

// ContainerStore implementation ----------------------------------------------

func (s *Store) UpsertContainers(ctx context.Context, items []container.Container) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO containers (
			number, terminal, sub_terminal, status, status_desc,
			container_type_size, container_type_size_label, last_free_date,
			appointment_date, custom_status, custom_timestamp, carrier,
			customer_status, customer_hold_reason, line_release_status,
			line_first_free, dwell_amount, damage_fee_outstanding,
			terminal_hold, terminal_hold_reason, origin
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21
		)
		ON CONFLICT (number) DO UPDATE SET
			terminal = EXCLUDED.terminal,
			sub_terminal = EXCLUDED.sub_terminal,
			status = EXCLUDED.status,
			status_desc = EXCLUDED.status_desc,
			container_type_size = EXCLUDED.container_type_size,
			container_type_size_label = EXCLUDED.container_type_size_label,
			last_free_date = EXCLUDED.last_free_date,
			appointment_date = EXCLUDED.appointment_date,
			custom_status = EXCLUDED.custom_status,
			custom_timestamp = EXCLUDED.custom_timestamp,
			carrier = EXCLUDED.carrier,
			customer_status = EXCLUDED.customer_status,
			customer_hold_reason = EXCLUDED.customer_hold_reason,
			line_release_status = EXCLUDED.line_release_status,
			line_first_free = EXCLUDED.line_first_free,
			dwell_amount = EXCLUDED.dwell_amount,
			damage_fee_outstanding = EXCLUDED.damage_fee_outstanding,
			terminal_hold = EXCLUDED.terminal_hold,
			terminal_hold_reason = EXCLUDED.terminal_hold_reason,
			origin = EXCLUDED.origin,
			updated_at = now()`

	written := 0
	for _, c := range items {
		if c.Number == "" {
			return written, fmt.Errorf("container number is required")
		}
		if _, err := s.db.ExecContext(ctx, query,
			c.Number, c.Terminal, c.SubTerminal, c.Status, c.StatusDesc,
			c.ContainerTypeSize, c.ContainerTypeSizeLabel, c.LastFreeDate,
			c.AppointmentDate, c.CustomStatus, c.CustomTimestamp, c.Carrier,
			c.CustomerStatus, c.CustomerHoldReason, c.LineReleaseStatus,
			c.LineFirstFree, c.DwellAmount, c.DamageFeeOutstanding,
			c.TerminalHold, c.TerminalHoldReason, c.Origin,
		); err != nil {
			return written, fmt.Errorf("upsert container %s: %w", c.Number, err)
		}
		written++
	}
	return written, nil
}

func (s *Store) GetContainer(ctx context.Context, number string) (container.Container, error) {
	var row containerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+containerColumns+` FROM containers WHERE number = $1`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return container.Container{}, fmt.Errorf("container %s: %w", number, storage.ErrNotFound)
	}
	if err != nil {
		return container.Container{}, err
	}
	return row.model(), nil
}

func (s *Store) ListContainers(ctx context.Context) ([]container.Container, error) {
	var rows []containerRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+containerColumns+` FROM containers ORDER BY created_at, number`); err != nil {
		return nil, err
	}
	out := make([]container.Container, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) FilterExisting(ctx context.Context, numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT number FROM containers WHERE number IN (?) AND status <> ?`,
		numbers, container.StatusMissing)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// recordColumns lists the populated columns of a record in declaration
// order, for building the differential UPDATE.
func recordColumns(rec container.AvailabilityRecord) (cols []string, vals []any) {
	add := func(name, v string) {
		if v != "" {
			cols = append(cols, name)
			vals = append(vals, v)
		}
	}
	add("terminal", rec.Terminal)
	add("sub_terminal", rec.SubTerminal)
	add("status", rec.Status)
	add("status_desc", rec.StatusDesc)
	add("container_type_size", rec.ContainerTypeSize)
	add("container_type_size_label", rec.ContainerTypeSizeLabel)
	add("last_free_date", rec.LastFreeDate)
	add("appointment_date", rec.AppointmentDate)
	add("custom_status", rec.CustomStatus)
	add("custom_timestamp", rec.CustomTimestamp)
	add("carrier", rec.Carrier)
	add("customer_status", rec.CustomerStatus)
	add("customer_hold_reason", rec.CustomerHoldReason)
	add("line_release_status", rec.LineReleaseStatus)
	add("line_first_free", rec.LineFirstFree)
	if rec.DwellAmount != 0 {
		cols = append(cols, "dwell_amount")
		vals = append(vals, rec.DwellAmount)
	}
	add("damage_fee_outstanding", rec.DamageFeeOutstanding)
	add("terminal_hold", rec.TerminalHold)
	add("terminal_hold_reason", rec.TerminalHoldReason)
	add("origin", rec.Origin)
	return cols, vals
}

func (s *Store) ApplyRecords(ctx context.Context, records []container.AvailabilityRecord) (int, error) {
	written := 0
	for _, rec := range records {
		if rec.Number == "" {
			continue
		}
		cols, vals := recordColumns(rec)
		if len(cols) == 0 {
			continue
		}

		// Updates fire only when at least one tracked field actually
		// differs; IS DISTINCT FROM keeps an identical record from
		// touching the row at all. No upsert-on-miss here.
		sets := make([]string, 0, len(cols)+1)
		guards := make([]string, 0, len(cols))
		for i, col := range cols {
			placeholder := fmt.Sprintf("$%d", i+2)
			sets = append(sets, col+" = "+placeholder)
			guards = append(guards, col+" IS DISTINCT FROM "+placeholder)
		}
		sets = append(sets, "updated_at = now()")

		query := "UPDATE containers SET " + strings.Join(sets, ", ") +
			" WHERE number = $1 AND (" + strings.Join(guards, " OR ") + ")"

		args := append([]any{rec.Number}, vals...)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return written, fmt.Errorf("apply record %s: %w", rec.Number, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += int(n)
		}
	}
	return written, nil
}

// SessionStore implementation ------------------------------------------------

func (s *Store) LoadSession(ctx context.Context, terminalKey string) (terminal.Session, error) {
	var row struct {
		Cookies       []byte       `db:"session_cookies"`
		Token         string       `db:"session_token"`
		LastLoginAt   sql.NullTime `db:"session_last_login_at"`
		LastCheckedAt sql.NullTime `db:"session_last_checked_at"`
		Alive         bool         `db:"session_alive"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT session_cookies, session_token, session_last_login_at,
		       session_last_checked_at, session_alive
		FROM terminals WHERE key = $1`, terminalKey)
	if errors.Is(err, sql.ErrNoRows) {
		return terminal.Session{}, fmt.Errorf("session %s: %w", terminalKey, storage.ErrNotFound)
	}
	if err != nil {
		return terminal.Session{}, err
	}
	if len(row.Cookies) == 0 && row.Token == "" {
		return terminal.Session{}, fmt.Errorf("session %s: %w", terminalKey, storage.ErrNotFound)
	}
	sess := terminal.Session{Cookies: row.Cookies, Token: row.Token, Alive: row.Alive}
	if row.LastLoginAt.Valid {
		sess.LastLoginAt = row.LastLoginAt.Time
	}
	if row.LastCheckedAt.Valid {
		sess.LastCheckedAt = row.LastCheckedAt.Time
	}
	return sess, nil
}

func (s *Store) SaveSession(ctx context.Context, terminalKey string, sess terminal.Session) error {
	if terminalKey == "" {
		return fmt.Errorf("terminal key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (key, session_cookies, session_token,
			session_last_login_at, session_last_checked_at, session_alive)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			session_cookies = EXCLUDED.session_cookies,
			session_token = EXCLUDED.session_token,
			session_last_login_at = EXCLUDED.session_last_login_at,
			session_last_checked_at = EXCLUDED.session_last_checked_at,
			session_alive = EXCLUDED.session_alive`,
		terminalKey, sess.Cookies, sess.Token,
		nullTime(sess.LastLoginAt), nullTime(sess.LastCheckedAt), sess.Alive)
	return err
}

// TerminalStore implementation -----------------------------------------------

func (s *Store) GetTerminalState(ctx context.Context, terminalKey string) (storage.TerminalState, error) {
	var row struct {
		LastError     string       `db:"health_last_error"`
		LastErrorAt   sql.NullTime `db:"health_last_error_at"`
		LastSuccessAt sql.NullTime `db:"health_last_success_at"`
		StatsTotal    int          `db:"stats_total"`
		StatsStatuses []byte       `db:"stats_statuses"`
		StatsUpdated  sql.NullTime `db:"stats_updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT health_last_error, health_last_error_at, health_last_success_at,
		       stats_total, stats_statuses, stats_updated_at
		FROM terminals WHERE key = $1`, terminalKey)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TerminalState{}, fmt.Errorf("terminal %s: %w", terminalKey, storage.ErrNotFound)
	}
	if err != nil {
		return storage.TerminalState{}, err
	}

	state := storage.TerminalState{
		Health: terminal.Health{LastError: row.LastError},
		Stats:  terminal.Stats{TotalContainers: row.StatsTotal},
	}
	if row.LastErrorAt.Valid {
		state.Health.LastErrorAt = row.LastErrorAt.Time
	}
	if row.LastSuccessAt.Valid {
		state.Health.LastSuccessAt = row.LastSuccessAt.Time
	}
	if row.StatsUpdated.Valid {
		state.Stats.LastUpdatedAt = row.StatsUpdated.Time
	}
	if len(row.StatsStatuses) > 0 {
		if err := json.Unmarshal(row.StatsStatuses, &state.Stats.Statuses); err != nil {
			return storage.TerminalState{}, fmt.Errorf("decode stats for %s: %w", terminalKey, err)
		}
	}
	return state, nil
}

func (s *Store) RecordError(ctx context.Context, terminalKey, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (key, health_last_error, health_last_error_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			health_last_error = EXCLUDED.health_last_error,
			health_last_error_at = EXCLUDED.health_last_error_at`,
		terminalKey, message, at)
	return err
}

func (s *Store) RecordSuccess(ctx context.Context, terminalKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (key, health_last_success_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			health_last_success_at = EXCLUDED.health_last_success_at`,
		terminalKey, at)
	return err
}

func (s *Store) SaveStats(ctx context.Context, terminalKey string, stats terminal.Stats) error {
	encoded, err := json.Marshal(stats.Statuses)
	if err != nil {
		return fmt.Errorf("encode stats for %s: %w", terminalKey, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO terminals (key, stats_total, stats_statuses, stats_updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			stats_total = EXCLUDED.stats_total,
			stats_statuses = EXCLUDED.stats_statuses,
			stats_updated_at = EXCLUDED.stats_updated_at`,
		terminalKey, stats.TotalContainers, encoded, nullTime(stats.LastUpdatedAt))
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
