package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScheduler_StopsAfterMaxErrors(t *testing.T) {
	var calls atomic.Int32
	action := func(context.Context) error {
		calls.Add(1)
		return errors.New("backend down")
	}

	s := New(context.Background(), action, Options{
		Interval:  5 * time.Millisecond,
		Immediate: true,
		MaxErrors: 3,
	}, zap.NewNop())
	defer s.Close()

	require.Eventually(t, func() bool { return !s.Status().Active }, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	st := s.Status()
	assert.Equal(t, 3, st.ErrorCount)
	assert.True(t, st.HasErrors)
}

func TestScheduler_RefreshIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	action := func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}

	s := New(context.Background(), action, Options{Interval: time.Hour}, zap.NewNop())
	defer s.Close()

	first := make(chan bool)
	go func() { first <- s.Refresh(context.Background()) }()

	require.Eventually(t, func() bool { return s.Status().Refreshing }, time.Second, time.Millisecond)

	assert.False(t, s.Refresh(context.Background()), "overlapping refresh must be dropped")

	close(release)
	assert.True(t, <-first)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.Status().Refreshing)
	assert.False(t, s.Status().LastRefresh.IsZero())
}

func TestScheduler_SuccessResetsErrorCount(t *testing.T) {
	fail := true
	action := func(context.Context) error {
		if fail {
			return errors.New("temporary")
		}
		return nil
	}

	s := New(context.Background(), action, Options{Interval: time.Hour, MaxErrors: 3}, zap.NewNop())
	defer s.Close()

	s.Refresh(context.Background())
	s.Refresh(context.Background())
	assert.Equal(t, 2, s.Status().ErrorCount)

	fail = false
	s.Refresh(context.Background())
	assert.Equal(t, 0, s.Status().ErrorCount)
	assert.False(t, s.Status().HasErrors)
}

func TestScheduler_NoTicksAfterStop(t *testing.T) {
	var calls atomic.Int32
	action := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	s := New(context.Background(), action, Options{Interval: 2 * time.Millisecond, Immediate: true}, zap.NewNop())

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)

	s.Stop()
	stopped := calls.Load()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
	assert.False(t, s.Status().Active)
}

func TestScheduler_VisibilityRestartRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	action := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	s := New(context.Background(), action, Options{
		Interval:        time.Hour,
		Immediate:       true,
		WatchVisibility: true,
	}, zap.NewNop())
	defer s.Close()

	require.True(t, s.Status().Active)

	s.SetVisible(false)
	assert.False(t, s.Status().Active)
	assert.Equal(t, int32(0), calls.Load())

	s.SetVisible(true)
	assert.True(t, s.Status().Active)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_VisibilityIgnoredWhenNotWatched(t *testing.T) {
	s := New(context.Background(), func(context.Context) error { return nil }, Options{
		Interval:  time.Hour,
		Immediate: true,
	}, zap.NewNop())
	defer s.Close()

	s.SetVisible(false)
	assert.True(t, s.Status().Active)
}

func TestScheduler_ToggleAndStartResetErrors(t *testing.T) {
	s := New(context.Background(), func(context.Context) error { return errors.New("boom") }, Options{
		Interval:  time.Hour,
		MaxErrors: 5,
	}, zap.NewNop())
	defer s.Close()

	assert.False(t, s.Status().Active)

	s.Refresh(context.Background())
	assert.Equal(t, 1, s.Status().ErrorCount)

	s.Toggle()
	st := s.Status()
	assert.True(t, st.Active)
	assert.Equal(t, 0, st.ErrorCount)

	s.Toggle()
	assert.False(t, s.Status().Active)
}

func TestScheduler_RestartAfterSelfStopGetsFullErrorBudget(t *testing.T) {
	s := New(context.Background(), func(context.Context) error { return errors.New("boom") }, Options{
		Interval:  time.Hour,
		Immediate: true,
		MaxErrors: 2,
	}, zap.NewNop())
	defer s.Close()

	s.Refresh(context.Background())
	s.Refresh(context.Background())
	st := s.Status()
	require.False(t, st.Active)
	require.Equal(t, 2, st.ErrorCount)

	s.Start()
	assert.Equal(t, 0, s.Status().ErrorCount)

	s.Refresh(context.Background())
	st = s.Status()
	assert.True(t, st.Active, "one failure after restart must not stop the scheduler")
	assert.Equal(t, 1, st.ErrorCount)

	s.Refresh(context.Background())
	assert.False(t, s.Status().Active)
}

func TestScheduler_StopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := New(ctx, func(context.Context) error { return nil }, Options{
		Interval:  time.Hour,
		Immediate: true,
	}, zap.NewNop())
	defer s.Close()

	cancel()
	require.Eventually(t, func() bool { return !s.Status().Active }, time.Second, time.Millisecond)
}

func TestScheduler_CloseDisablesStart(t *testing.T) {
	s := New(context.Background(), func(context.Context) error { return nil }, DefaultOptions(), zap.NewNop())
	s.Close()

	s.Start()
	assert.False(t, s.Status().Active)
}
