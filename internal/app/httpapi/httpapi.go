// Package httpapi exposes the service over HTTP: bulk lookups,
// container tracking, terminal status and the manual reconcile
// trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/metrics"
	"github.com/harborsync/harborsync/internal/app/services/lookup"
	"github.com/harborsync/harborsync/internal/app/services/reconcile"
	"github.com/harborsync/harborsync/internal/app/services/registry"
	"github.com/harborsync/harborsync/internal/app/storage"
	"github.com/harborsync/harborsync/pkg/logger"
)

// Server carries the handler dependencies.
type Server struct {
	containers storage.ContainerStore
	catalog    *registry.Service
	lookups    *lookup.Service
	scheduler  *reconcile.Scheduler
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// New builds the server. metrics and scheduler may be nil, which
// disables their routes.
func New(containers storage.ContainerStore, catalog *registry.Service, lookups *lookup.Service, scheduler *reconcile.Scheduler, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Server{
		containers: containers,
		catalog:    catalog,
		lookups:    lookups,
		scheduler:  scheduler,
		metrics:    m,
		log:        log,
	}
}

// Router assembles the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/lookups", s.handleLookup)
		r.Post("/containers", s.handleAddContainers)
		r.Get("/containers", s.handleListContainers)
		r.Get("/terminals", s.handleTerminals)
		r.Patch("/terminals/{key}", s.handleSetTerminalActive)
		if s.scheduler != nil {
			r.Post("/reconcile", s.handleReconcile)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lookupRequest struct {
	Numbers   []string `json:"numbers"`
	Terminals []string `json:"terminals"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Terminals) == 0 {
		// Omitted selection means the whole catalog.
		req.Terminals = []string{lookup.SelectionAuto}
	}
	result, err := s.lookups.BulkAvailabilityCheck(r.Context(), req.Numbers, req.Terminals)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownTerminal) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.WithError(err).Errorf("lookup failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type addContainersResponse struct {
	Added          []container.Container `json:"added"`
	AlreadyTracked []string              `json:"already_tracked,omitempty"`
	Missing        []string              `json:"missing,omitempty"`
	Invalid        []string              `json:"invalid,omitempty"`
}

// handleAddContainers starts tracking new containers: numbers already
// tracked (and not marked missing) are skipped, the rest are located
// through a bulk lookup. Unlocated numbers are stored as missing so
// later reconciliation or re-adds can pick them up.
func (s *Server) handleAddContainers(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	valid, invalid := container.NormalizeNumbers(req.Numbers...)
	resp := addContainersResponse{Invalid: invalid}
	if len(valid) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx := r.Context()
	existing, err := s.containers.FilterExisting(ctx, valid)
	if err != nil {
		s.internalError(w, "filter existing", err)
		return
	}
	existingSet := make(map[string]bool, len(existing))
	for _, n := range existing {
		existingSet[n] = true
	}
	fresh := valid[:0:0]
	for _, n := range valid {
		if existingSet[n] {
			resp.AlreadyTracked = append(resp.AlreadyTracked, n)
			continue
		}
		fresh = append(fresh, n)
	}
	if len(fresh) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	selection := req.Terminals
	if len(selection) == 0 {
		selection = []string{lookup.SelectionAuto}
	}
	result, err := s.lookups.BulkAvailabilityCheck(ctx, fresh, selection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var items []container.Container
	for _, rec := range result.Found {
		items = append(items, rec.NewContainer())
	}
	for _, m := range result.Missing {
		c := container.NewContainer()
		c.Number = m.Number
		c.Status = container.StatusMissing
		c.StatusDesc = m.Reason
		items = append(items, c)
		resp.Missing = append(resp.Missing, m.Number)
	}
	if _, err := s.containers.UpsertContainers(ctx, items); err != nil {
		s.internalError(w, "upsert containers", err)
		return
	}
	for _, c := range items {
		if c.Status != container.StatusMissing {
			resp.Added = append(resp.Added, c)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	items, err := s.containers.ListContainers(r.Context())
	if err != nil {
		s.internalError(w, "list containers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": items, "total": len(items)})
}

type terminalView struct {
	Key          string         `json:"key"`
	Label        string         `json:"label"`
	Group        string         `json:"group"`
	Active       bool           `json:"active"`
	SubTerminals []string       `json:"sub_terminals,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	LastErrorAt  string         `json:"last_error_at,omitempty"`
	LastSuccess  string         `json:"last_success_at,omitempty"`
	Containers   int            `json:"containers"`
	Statuses     map[string]int `json:"statuses,omitempty"`
}

func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	overview, err := s.catalog.Overview(r.Context())
	if err != nil {
		s.internalError(w, "terminal overview", err)
		return
	}
	views := make([]terminalView, 0, len(overview))
	for _, o := range overview {
		v := terminalView{
			Key:          o.Terminal.Key,
			Label:        o.Terminal.Label,
			Group:        string(o.Terminal.Group),
			Active:       o.Terminal.Active,
			SubTerminals: o.Terminal.SubTerminals,
			LastError:    o.Health.LastError,
			Containers:   o.Stats.TotalContainers,
			Statuses:     o.Stats.Statuses,
		}
		if !o.Health.LastErrorAt.IsZero() {
			v.LastErrorAt = o.Health.LastErrorAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		if !o.Health.LastSuccessAt.IsZero() {
			v.LastSuccess = o.Health.LastSuccessAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": views})
}

// handleSetTerminalActive toggles a terminal in the running catalog.
// The flag is runtime state; a restart falls back to the configured
// value.
func (s *Server) handleSetTerminalActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "body must carry an active flag")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.catalog.SetActive(key, *req.Active); err != nil {
		if errors.Is(err, registry.ErrUnknownTerminal) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, "set terminal active", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "active": *req.Active})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.scheduler.Trigger(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.internalError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.log.WithError(err).Errorf("%s failed", what)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Serve runs the HTTP server until the context is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Infof("listening on %s", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
