// Package session manages authenticated portal sessions: one cookie
// jar and optional secondary token per terminal, probed for liveness
// before use and re-established when the portal has expired it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/fetch"
	"github.com/harborsync/harborsync/internal/app/storage"
	"github.com/harborsync/harborsync/pkg/logger"
)

// Login failure classes. Callers map these onto HTTP-style statuses.
var (
	// ErrConfiguration means the terminal entry is unusable (missing
	// URL or endpoints).
	ErrConfiguration = errors.New("terminal not configured")
	// ErrCredentials means the environment does not hold the referenced
	// login or password.
	ErrCredentials = errors.New("credentials unavailable")
	// ErrAuthentication means the portal rejected a well-formed login.
	ErrAuthentication = errors.New("portal rejected login")
)

// expiredMarkers are body fragments the portals serve instead of a
// proper 401 when a session has died.
var expiredMarkers = []string{
	"return loginCheck",
	"Session Timed Out",
	"You need to Login",
	"No session",
}

// Expired reports whether a portal body is a disguised session
// expiration.
func Expired(body []byte) bool {
	s := string(body)
	for _, marker := range expiredMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// State is a terminal's live connection: the jar-bound client plus the
// group-specific extension some protocols mint at login.
type State struct {
	Client *fetch.Client
	Ext    terminal.Extension
}

// ConnectOptions parameterize one connect attempt.
type ConnectOptions struct {
	// LoadPersisted hydrates the jar from the session store before
	// probing, so restarts reuse portal logins.
	LoadPersisted bool
	// ProbePath is fetched with the current session to test liveness.
	ProbePath string
	// Login re-authenticates when the probe fails. It mutates the
	// State in place.
	Login func(ctx context.Context, st *State) error
}

// LoginObserver records login outcomes, normally the metrics package.
type LoginObserver interface {
	Login(terminalKey, outcome string)
}

// Manager serializes session handling per terminal. Sessions are never
// shared across terminals even within one portal family.
type Manager struct {
	mu     sync.Mutex
	states map[string]*slot

	sessions  storage.SessionStore
	terminals storage.TerminalStore
	fetchOpts fetch.Options
	observer  fetch.Observer
	logins    LoginObserver
	log       *logger.Logger
	now       func() time.Time
}

type slot struct {
	mu sync.Mutex
	st *State
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFetchObserver forwards attempt events from every terminal client.
func WithFetchObserver(obs fetch.Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

// WithLoginObserver records login outcomes.
func WithLoginObserver(obs LoginObserver) Option {
	return func(m *Manager) { m.logins = obs }
}

// NewManager creates a Manager. A nil logger gets a default one.
func NewManager(sessions storage.SessionStore, terminals storage.TerminalStore, fetchOpts fetch.Options, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewDefault("session")
	}
	m := &Manager{
		states:    make(map[string]*slot),
		sessions:  sessions,
		terminals: terminals,
		fetchOpts: fetchOpts,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) slotFor(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		s = &slot{}
		m.states[key] = s
	}
	return s
}

// Connect returns a live State for the terminal, or (nil, false, nil)
// when the terminal cannot be reached or logged into. Only storage
// failures escape as errors; portal failures are recorded in terminal
// health so batch callers just skip the terminal.
func (m *Manager) Connect(ctx context.Context, term terminal.Terminal, opts ConnectOptions) (*State, bool, error) {
	s := m.slotFor(term.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	log := m.log.WithField("terminal", term.Key)

	if term.BaseURL == "" {
		m.recordFailure(ctx, term.Key, fmt.Errorf("%w: no base URL", ErrConfiguration))
		return nil, false, nil
	}

	if s.st == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, false, fmt.Errorf("cookie jar: %w", err)
		}
		st := &State{}
		clientOpts := []fetch.Option{fetch.WithLogger(log)}
		if m.observer != nil {
			clientOpts = append(clientOpts, fetch.WithObserver(m.observer))
		}
		st.Client = fetch.NewWithJar(jar, term.InsecureTLS, m.fetchOpts, clientOpts...)
		if opts.LoadPersisted {
			if sess, err := m.sessions.LoadSession(ctx, term.Key); err == nil {
				hydrateCookies(jar, term.BaseURL, sess.Cookies)
				st.Ext = terminal.ExtensionFor(term.Group, sess.Token)
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, false, fmt.Errorf("load session: %w", err)
			}
		}
		s.st = st
	}

	if m.probe(ctx, s.st, term, opts.ProbePath) {
		if err := m.persist(ctx, term, s.st, false); err != nil {
			return nil, false, err
		}
		return s.st, true, nil
	}

	log.Infof("session dead, logging in")
	if opts.Login == nil {
		m.recordFailure(ctx, term.Key, fmt.Errorf("%w: no login flow", ErrConfiguration))
		return nil, false, nil
	}
	if err := opts.Login(ctx, s.st); err != nil {
		if m.logins != nil {
			m.logins.Login(term.Key, "failure")
		}
		log.WithError(err).Warnf("login failed")
		m.recordFailure(ctx, term.Key, err)
		// A fresh jar next time; the failed attempt may have poisoned
		// the cookies.
		s.st = nil
		return nil, false, nil
	}
	if m.logins != nil {
		m.logins.Login(term.Key, "success")
	}
	if err := m.persist(ctx, term, s.st, true); err != nil {
		return nil, false, err
	}
	if err := m.terminals.RecordSuccess(ctx, term.Key, m.now()); err != nil {
		return nil, false, fmt.Errorf("record success: %w", err)
	}
	return s.st, true, nil
}

// Invalidate drops the in-memory state so the next Connect starts from
// a clean jar. Used when an adapter detects mid-batch expiration.
func (m *Manager) Invalidate(term terminal.Terminal) {
	s := m.slotFor(term.Key)
	s.mu.Lock()
	s.st = nil
	s.mu.Unlock()
}

func (m *Manager) probe(ctx context.Context, st *State, term terminal.Terminal, probePath string) bool {
	if probePath == "" {
		return false
	}
	resp, body, err := st.Client.Get(ctx, term.URL(probePath), nil)
	if err != nil {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	return !Expired(body)
}

func (m *Manager) persist(ctx context.Context, term terminal.Terminal, st *State, fresh bool) error {
	now := m.now()
	sess := terminal.Session{
		Cookies:       serializeCookies(st.Client.Jar(), term.BaseURL),
		Token:         extensionToken(st.Ext),
		LastCheckedAt: now,
		Alive:         true,
	}
	if fresh {
		sess.LastLoginAt = now
	} else if prev, err := m.sessions.LoadSession(ctx, term.Key); err == nil {
		sess.LastLoginAt = prev.LastLoginAt
	}
	if err := m.sessions.SaveSession(ctx, term.Key, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func extensionToken(ext terminal.Extension) string {
	if ext == nil {
		return ""
	}
	return ext.Token()
}

func (m *Manager) recordFailure(ctx context.Context, key string, cause error) {
	if err := m.terminals.RecordError(ctx, key, cause.Error(), m.now()); err != nil {
		m.log.WithField("terminal", key).WithError(err).Warnf("record failure")
	}
}

// FailureStatus maps a login failure class onto an HTTP-style status.
func FailureStatus(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return http.StatusNotFound
	case errors.Is(err, ErrCredentials):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type storedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Path   string `json:"path,omitempty"`
	Domain string `json:"domain,omitempty"`
}

func serializeCookies(jar http.CookieJar, baseURL string) []byte {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	cookies := jar.Cookies(u)
	out := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, storedCookie{Name: c.Name, Value: c.Value, Path: c.Path, Domain: c.Domain})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return raw
}

func hydrateCookies(jar http.CookieJar, baseURL string, data []byte) {
	if len(data) == 0 {
		return
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return
	}
	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path, Domain: c.Domain})
	}
	jar.SetCookies(u, cookies)
}
