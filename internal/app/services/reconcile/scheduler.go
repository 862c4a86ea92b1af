package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/harborsync/harborsync/pkg/logger"
)

// DefaultSchedule runs a cycle every three hours.
const DefaultSchedule = "@every 3h"

// ErrRunInProgress is returned when a trigger overlaps a running
// cycle.
var ErrRunInProgress = errors.New("reconciliation already running")

// Scheduler runs the engine on a cron schedule and exposes a manual
// trigger. Implements system.Service.
type Scheduler struct {
	engine     *Engine
	schedule   string
	runAtStart bool
	log        *logger.Logger

	inFlight atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates the scheduler. An empty schedule uses
// DefaultSchedule.
func NewScheduler(engine *Engine, schedule string, runAtStart bool, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("reconcile.scheduler")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{engine: engine, schedule: schedule, runAtStart: runAtStart, log: log}
}

func (s *Scheduler) Name() string { return "reconcile-scheduler" }

// Start begins the cron loop, optionally kicking an immediate cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.kick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	s.cancel = cancel
	s.running = true
	c.Start()
	s.log.Infof("scheduled reconciliation %s", s.schedule)

	if s.runAtStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.kick(runCtx)
		}()
	}
	return nil
}

// Stop halts the cron loop and waits for an in-flight cycle.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	cronCtx := s.cron.Stop()
	s.cancel()
	s.running = false

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kick runs one cycle unless one is already in flight.
func (s *Scheduler) kick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Warnf("skipping cycle, previous still running")
		return
	}
	defer s.inFlight.Store(false)
	if _, err := s.engine.Run(ctx); err != nil {
		s.log.WithError(err).Errorf("cycle failed")
	}
}

// Trigger runs a cycle immediately, for the manual API. Returns
// ErrRunInProgress when a cycle already holds the guard.
func (s *Scheduler) Trigger(ctx context.Context) (Summary, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer s.inFlight.Store(false)
	return s.engine.Run(ctx)
}
