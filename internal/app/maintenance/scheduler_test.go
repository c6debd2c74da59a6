package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, time.Time) error { return nil }

func TestAddValidates(t *testing.T) {
	s := New(nil)
	assert.ErrorIs(t, s.Add(Task{Name: "", Interval: time.Second, Run: noop}), domain.ErrValidation)
	assert.ErrorIs(t, s.Add(Task{Name: "x", Interval: 0, Run: noop}), domain.ErrValidation)
	assert.ErrorIs(t, s.Add(Task{Name: "x", Interval: time.Second}), domain.ErrValidation)
	require.NoError(t, s.Add(Task{Name: "x", Interval: time.Second, Run: noop}))
	assert.ErrorIs(t, s.Add(Task{Name: "x", Interval: time.Second, Run: noop}), domain.ErrValidation)
	assert.Len(t, s.Tasks(), 1)
}

func TestRunNowSkipsOverlappingRun(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context, _ time.Time) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow", time.Now()) }()
	<-started

	assert.ErrorIs(t, s.RunNow(context.Background(), "slow", time.Now()), ErrTaskRunning)
	assert.True(t, s.Tasks()[0].Running)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, s.Tasks()[0].Running)
}

func TestTaskFailuresAreIsolated(t *testing.T) {
	s := New(nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var healthy atomic.Int32
	require.NoError(t, s.Add(Task{Name: "panics", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		panic("boom")
	}}))
	require.NoError(t, s.Add(Task{Name: "fails", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		return errors.New("disk full")
	}}))
	require.NoError(t, s.Add(Task{Name: "healthy", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		healthy.Add(1)
		return nil
	}}))

	err := s.RunNow(context.Background(), "panics", now)
	assert.ErrorIs(t, err, domain.ErrSchedulerTask)
	assert.Contains(t, err.Error(), "boom")

	err = s.RunNow(context.Background(), "fails", now)
	assert.ErrorIs(t, err, domain.ErrSchedulerTask)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, s.RunNow(context.Background(), "healthy", now))
	assert.Equal(t, int32(1), healthy.Load())

	// a panicked task can run again
	assert.False(t, s.Tasks()[0].Running)
	assert.Equal(t, now, s.Tasks()[0].LastRun)

	assert.ErrorIs(t, s.RunNow(context.Background(), "missing", now), ErrUnknownTask)
}

func TestStartTicksAndStopWaits(t *testing.T) {
	s := New(nil)
	var ticks atomic.Int32
	var inFlight atomic.Bool
	require.NoError(t, s.Add(Task{Name: "tick", Interval: 10 * time.Millisecond, Offset: time.Millisecond,
		Run: func(ctx context.Context, _ time.Time) error {
			inFlight.Store(true)
			defer inFlight.Store(false)
			ticks.Add(1)
			return nil
		}}))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerState)
	assert.ErrorIs(t, s.Add(Task{Name: "late", Interval: time.Second, Run: noop}), ErrSchedulerState)

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.False(t, inFlight.Load())
	assert.Empty(t, s.Tasks())

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestSlowTickIsSkipped(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "slow", Interval: 5 * time.Millisecond, Offset: time.Millisecond,
		Run: func(ctx context.Context, _ time.Time) error {
			runs.Add(1)
			<-ctx.Done()
			return nil
		}}))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(1), runs.Load())
}
