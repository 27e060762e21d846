package syncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner counts passes. When hold is set, each pass blocks until a
// value is received on it or the pass context ends.
type fakeRunner struct {
	started atomic.Int32
	hold    chan struct{}
	entered chan struct{}
}

func (r *fakeRunner) RunPass(ctx context.Context) *PassReport {
	r.started.Add(1)
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
		}
	}
	return &PassReport{ID: "test", Cancelled: ctx.Err() != nil}
}

const waitFor = 2 * time.Second

func TestSchedulerRunsOnStartAndTrigger(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, 0, time.Second, nil)

	s.Start(t.Context())
	defer s.Stop()
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return s.Passes() == 1 }, waitFor, 5*time.Millisecond)
	require.NotNil(t, s.LastReport())

	assert.True(t, s.Trigger())
	require.Eventually(t, func() bool { return s.Passes() == 2 }, waitFor, 5*time.Millisecond)
}

func TestSchedulerCoalescesTriggers(t *testing.T) {
	runner := &fakeRunner{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewScheduler(runner, 0, 0, nil)

	s.Start(t.Context())
	defer s.Stop()

	// First pass is running and blocked.
	select {
	case <-runner.entered:
	case <-time.After(waitFor):
		t.Fatal("first pass did not start")
	}

	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger(), "second trigger coalesces into the queued one")
	assert.False(t, s.Trigger())

	runner.hold <- struct{}{} // finish the first pass
	select {
	case <-runner.entered:
	case <-time.After(waitFor):
		t.Fatal("follow-up pass did not start")
	}
	runner.hold <- struct{}{} // finish the follow-up pass

	require.Eventually(t, func() bool { return s.Passes() == 2 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return runner.started.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSchedulerBoundsPassDuration(t *testing.T) {
	runner := &fakeRunner{hold: make(chan struct{})}
	s := NewScheduler(runner, 0, 20*time.Millisecond, nil)

	s.Start(t.Context())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Passes() == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, s.LastReport().Cancelled)
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, 10*time.Millisecond, time.Second, nil)

	s.Start(t.Context())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Passes() >= 3 }, waitFor, 5*time.Millisecond)
}

func TestSchedulerStopCancelsRunningPass(t *testing.T) {
	runner := &fakeRunner{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewScheduler(runner, time.Hour, time.Hour, nil)

	s.Start(t.Context())
	<-runner.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.IsRunning())
	assert.True(t, s.LastReport().Cancelled)

	// Stop and Start are idempotent.
	s.Stop()
	s.Start(t.Context())
	s.Start(t.Context())
	assert.True(t, s.IsRunning())
	s.Stop()
}

func TestSchedulerWithOrchestrator(t *testing.T) {
	e := newTestEnv(t)
	e.addCall(t, 1, "+1 555 0100", 0, true)

	s := NewScheduler(e.orchestrator(e.config()), 0, 5*time.Second, nil)
	s.Start(t.Context())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Passes() == 1 }, waitFor, 5*time.Millisecond)
	report := s.LastReport()
	assert.Equal(t, 1, report.Metadata.Succeeded)
	assert.Equal(t, 1, report.Recording.Succeeded)
}
