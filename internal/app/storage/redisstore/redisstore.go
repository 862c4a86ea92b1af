// Package redisstore keeps portal sessions in Redis so restarts and
// multiple instances share the same logins.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/storage"
)

// DefaultTTL bounds how long a stored session survives without a
// refresh. Portals expire sessions far sooner; the TTL just keeps dead
// entries from accumulating.
const DefaultTTL = 24 * time.Hour

// Store implements storage.SessionStore on Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a Store. A zero ttl falls back to DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Open connects to Redis and verifies the connection.
func Open(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func sessionKey(terminalKey string) string {
	return "session:" + terminalKey
}

func (s *Store) LoadSession(ctx context.Context, terminalKey string) (terminal.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(terminalKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return terminal.Session{}, fmt.Errorf("session %s: %w", terminalKey, storage.ErrNotFound)
	}
	if err != nil {
		return terminal.Session{}, fmt.Errorf("load session %s: %w", terminalKey, err)
	}
	var sess terminal.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return terminal.Session{}, fmt.Errorf("decode session %s: %w", terminalKey, err)
	}
	return sess, nil
}

func (s *Store) SaveSession(ctx context.Context, terminalKey string, sess terminal.Session) error {
	if terminalKey == "" {
		return fmt.Errorf("terminal key is required")
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", terminalKey, err)
	}
	if err := s.client.Set(ctx, sessionKey(terminalKey), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", terminalKey, err)
	}
	return nil
}
