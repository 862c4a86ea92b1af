package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetriesTransportFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := New(Options{Timeout: 30 * time.Millisecond, Retries: 2, RetryDelay: time.Millisecond})
	_, _, err := client.Get(context.Background(), server.URL, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNeverRetriesHTTPResponses(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer server.Close()

	client := New(Options{Timeout: time.Second, Retries: 3, RetryDelay: time.Millisecond})
	resp, body, err := client.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("a 404 is an answer, not an error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Fatal("expected body to be read")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
}

func TestRetriesConnectionRefused(t *testing.T) {
	// Reserve a port, then close the listener so nothing answers.
	server := httptest.NewServer(http.NotFoundHandler())
	dead := server.URL
	server.Close()

	client := New(Options{Timeout: time.Second, Retries: 2, RetryDelay: time.Millisecond})
	start := time.Now()
	_, _, err := client.Get(context.Background(), dead, nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
	// Backoff of 1ms + 2ms must have elapsed.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Fatalf("backoff not applied, finished in %v", elapsed)
	}
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	client := New(Options{Timeout: 30 * time.Millisecond, Retries: 5, RetryDelay: 50 * time.Millisecond})
	_, _, err := client.Get(ctx, server.URL, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&hits); got > 2 {
		t.Fatalf("client kept retrying a dead context, %d attempts", got)
	}
}

func TestNoRedirectReturnsTheRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Options{Timeout: time.Second, Retries: 0, RetryDelay: time.Millisecond})
	resp, _, err := client.Do(context.Background(), Request{
		Method:     http.MethodPost,
		URL:        server.URL + "/login",
		NoRedirect: true,
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/home" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestCookiesPersistAcrossRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc"})
			return
		}
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "abc" {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
	}))
	defer server.Close()

	client := New(Options{Timeout: time.Second})
	if _, _, err := client.Get(context.Background(), server.URL+"/set", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	resp, _, err := client.Get(context.Background(), server.URL+"/check", nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie not replayed, got %d", resp.StatusCode)
	}
}
