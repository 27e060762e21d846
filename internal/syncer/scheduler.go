package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/callsync/internal/logger"
)

// PassRunner runs one sync pass.
type PassRunner interface {
	RunPass(ctx context.Context) *PassReport
}

// Scheduler runs a pass every interval and on demand. Triggers that arrive
// while a pass is running are coalesced into a single follow-up pass.
type Scheduler struct {
	runner      PassRunner
	interval    time.Duration
	passTimeout time.Duration
	log         logger.Logger

	trigger chan struct{}
	last    atomic.Pointer[PassReport]
	passes  atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler creates a stopped scheduler. An interval of zero disables
// periodic passes; Trigger still works.
func NewScheduler(runner PassRunner, interval, passTimeout time.Duration, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Scheduler{
		runner:      runner,
		interval:    interval,
		passTimeout: passTimeout,
		log:         log.Module("scheduler"),
		trigger:     make(chan struct{}, 1),
	}
}

// Start begins the scheduling loop. The first pass runs immediately. The
// loop ends when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)
	s.log.Info("sync scheduler started",
		logger.Duration("interval", s.interval),
		logger.Duration("pass_timeout", s.passTimeout))
}

// Stop cancels any running pass and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.log.Info("sync scheduler stopped")
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger requests a pass as soon as possible. It returns false if a
// request is already queued, in which case this one is coalesced into it.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastReport returns the report of the most recent pass, or nil.
func (s *Scheduler) LastReport() *PassReport {
	return s.last.Load()
}

// Passes returns how many passes have completed.
func (s *Scheduler) Passes() int64 {
	return s.passes.Load()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.runPass(ctx)
		case <-s.trigger:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if s.passTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.passTimeout)
	}
	defer cancel()

	report := s.runner.RunPass(pctx)
	if report == nil {
		return
	}
	s.last.Store(report)
	s.passes.Add(1)
	if report.Cancelled && ctx.Err() == nil {
		s.log.Warn("sync pass hit its timeout", logger.Duration("pass_timeout", s.passTimeout))
	}
}
