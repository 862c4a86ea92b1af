package redisstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return New(client, time.Minute)
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadSession(ctx, "t5-roundtrip"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sess := terminal.Session{
		Cookies:     []byte(`[{"name":"JSESSIONID","value":"abc"}]`),
		Token:       "654321",
		LastLoginAt: time.Now().UTC().Truncate(time.Second),
		Alive:       true,
	}
	if err := store.SaveSession(ctx, "t5-roundtrip", sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.LoadSession(ctx, "t5-roundtrip")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Token != sess.Token || !got.Alive || string(got.Cookies) != string(sess.Cookies) {
		t.Fatalf("unexpected session: %+v", got)
	}
	if !got.LastLoginAt.Equal(sess.LastLoginAt) {
		t.Fatalf("login time mismatch: %v vs %v", got.LastLoginAt, sess.LastLoginAt)
	}
}

func TestSaveSessionRequiresKey(t *testing.T) {
	store := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), 0)
	if err := store.SaveSession(context.Background(), "", terminal.Session{}); err == nil {
		t.Fatal("expected error for empty terminal key")
	}
}
