package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("broken", func(context.Context) error { return errors.New("boom") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.False(t, s.Healthy())
	assert.Error(t, s.Context().Err())

	snap := s.Snapshot()
	assert.Equal(t, "broken: boom", snap.FirstError)
	assert.Len(t, snap.Tasks, 2)
	assert.Zero(t, snap.Counters.Active)
	assert.Equal(t, uint64(2), snap.Counters.Started)
}

func TestGoCancellationIsNotAnError(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.True(t, s.Healthy())
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })
	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: oops")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, uint64(1), snap.Tasks[0].Panics)
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	require.Error(t, s.Wait(waitCtx(t)), "the first failure is published")
	assert.Equal(t, int32(3), runs.Load())

	var flaky TaskStats
	for _, ts := range s.Snapshot().Tasks {
		if ts.Name == "flaky" {
			flaky = ts
		}
	}
	assert.Equal(t, uint64(2), flaky.Restarts)
	assert.Equal(t, uint64(3), flaky.Started)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, int32(3), runs.Load())
}

func TestCancelStopsRestartLoop(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{}, 1)
	s.GoRestart("server", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	s.Cancel()
	require.NoError(t, s.Wait(waitCtx(t)))
}

func TestNilSupervisorSnapshot(t *testing.T) {
	var s *Supervisor
	assert.Equal(t, Snapshot{}, s.Snapshot())
	assert.Equal(t, Counters{}, s.Counters())
}
