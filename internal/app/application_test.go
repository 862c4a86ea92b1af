package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harborsync/harborsync/internal/config"
)

func TestApplicationAssembly(t *testing.T) {
	cfg := config.Default()
	runAtStart := false
	cfg.Reconcile.RunAtStart = &runAtStart

	app, err := New(cfg, Stores{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer app.Stop(context.Background())

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/terminals", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("terminals: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestStoresDefaultToSharedMemory(t *testing.T) {
	s := Stores{}.withDefaults()
	if s.Containers == nil || s.Sessions == nil || s.Terminals == nil {
		t.Fatal("defaults not applied")
	}
	// One store backs all three interfaces so session health and
	// container state stay consistent.
	if any(s.Containers) != any(s.Sessions) {
		t.Fatal("expected a single shared memory store")
	}
}
