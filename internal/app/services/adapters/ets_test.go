package adapters

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/session"
)

type fixedEgress struct{ country string }

func (f fixedEgress) Country(context.Context) (string, error) { return f.country, nil }

func etsTerminal(url string) terminal.Terminal {
	return terminal.Terminal{
		Key:          "pct",
		Group:        terminal.GroupETS,
		BaseURL:      url,
		EnvLogin:     "TEST_ETS_LOGIN",
		EnvPassword:  "TEST_ETS_PASSWORD",
		SubTerminals: []string{"PCT", "ETS"},
	}
}

func etsPortal(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Login.aspx":
			w.Write([]byte(`<html><script>doLogin('/Login.aspx/Auth?a=1&verifyKey=482913');</script></html>`))
		case "/Login.aspx/Auth":
			if r.FormValue("verifyKey") != "482913" || r.FormValue("pw") != "secret" {
				w.Write([]byte(`{"success":false,"message":"invalid credentials"}`))
				return
			}
			w.Write([]byte(`{"success":true,"_sk":"sk-live-123"}`))
		case "/ContainerInfo.aspx/GetContainers":
			body, _ := io.ReadAll(r.Body)
			if gjson.GetBytes(body, "_sk").String() != "sk-live-123" {
				w.Write([]byte(`<html>No session</html>`))
				return
			}
			w.Write([]byte(`{"success":true,
				"cols":["cntr","subTerminal","status","statusDesc","typeSize","lastFreeDay","carrier","holdReason"],
				"data":[
					["MSCU1234567","PCT","IMPORT","On yard","40HC","09/03/2026","MSC",""],
					["TRLU9999999","","not found","","","","",""],
					["HDMU2222222","ETS","HOLD","","20GP","","HMM","LINE"]
				]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestETSLoginMintsSessionKey(t *testing.T) {
	t.Setenv("TEST_ETS_LOGIN", "user")
	t.Setenv("TEST_ETS_PASSWORD", "secret")
	server := etsPortal(t)
	defer server.Close()

	adapter := NewETS(nil, fixedEgress{"US"})
	st := fastState()
	if err := adapter.Login(context.Background(), st, etsTerminal(server.URL)); err != nil {
		t.Fatalf("login: %v", err)
	}
	ext, ok := st.Ext.(terminal.ETSExtension)
	if !ok || ext.SessionKey != "sk-live-123" {
		t.Fatalf("session key not stored: %+v", st.Ext)
	}

	t.Setenv("TEST_ETS_PASSWORD", "wrong")
	err := adapter.Login(context.Background(), fastState(), etsTerminal(server.URL))
	if !errors.Is(err, session.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestETSEgressGate(t *testing.T) {
	t.Setenv("TEST_ETS_LOGIN", "user")
	t.Setenv("TEST_ETS_PASSWORD", "secret")
	server := etsPortal(t)
	defer server.Close()

	term := etsTerminal(server.URL)
	term.RequireUSEgress = true

	adapter := NewETS(nil, fixedEgress{"DE"})
	err := adapter.Login(context.Background(), fastState(), term)
	if !errors.Is(err, session.ErrConfiguration) {
		t.Fatalf("expected egress rejection, got %v", err)
	}

	adapter = NewETS(nil, fixedEgress{"US"})
	if err := adapter.Login(context.Background(), fastState(), term); err != nil {
		t.Fatalf("US egress should pass: %v", err)
	}
}

func TestETSBulkCheck(t *testing.T) {
	t.Setenv("TEST_ETS_LOGIN", "user")
	t.Setenv("TEST_ETS_PASSWORD", "secret")
	server := etsPortal(t)
	defer server.Close()

	adapter := NewETS(nil, fixedEgress{"US"})
	st := fastState()
	term := etsTerminal(server.URL)
	if err := adapter.Login(context.Background(), st, term); err != nil {
		t.Fatalf("login: %v", err)
	}

	records, err := adapter.BulkCheck(context.Background(), st, term,
		[]string{"MSCU1234567", "TRLU9999999", "HDMU2222222"})
	if err != nil {
		t.Fatalf("bulk check: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("not-found row must be skipped, got %d", len(records))
	}
	first := records[0]
	if first.Number != "MSCU1234567" || first.SubTerminal != "PCT" ||
		first.Status != "IMPORT" || first.LastFreeDate != "09/03/2026" {
		t.Fatalf("unexpected record: %+v", first)
	}
	if records[1].SubTerminal != "ETS" || records[1].TerminalHoldReason != "LINE" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestETSBulkCheckWithoutToken(t *testing.T) {
	adapter := NewETS(nil, fixedEgress{"US"})
	_, err := adapter.BulkCheck(context.Background(), fastState(), etsTerminal("https://example.com"), []string{"MSCU1234567"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
}
