package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commdispatch/internal/dispatch"
	logx "commdispatch/pkg/logx"
)

type staticSource struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (s *staticSource) ListDueCommunications(_ context.Context, _ time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := append([]int64(nil), s.ids...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type countingSender struct {
	mu    sync.Mutex
	calls map[int64]int
	block chan struct{}
	err   error
}

func (s *countingSender) SendAsync(ctx context.Context, id int64) (dispatch.Result, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		}
	}
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[int64]int{}
	}
	s.calls[id]++
	s.mu.Unlock()
	return dispatch.Result{CommunicationID: id}, s.err
}

func (s *countingSender) count(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestPollNowSkipsInflight(t *testing.T) {
	src := &staticSource{ids: []int64{1, 2}}
	s := New(Config{}, src, &countingSender{}, logx.Nop())

	n, err := s.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// No workers yet: both ids are still queued.
	n, err = s.PollNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Polls)
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, uint64(2), st.Skipped)
	assert.False(t, st.Running)
}

func TestPollNowHonorsBatchSize(t *testing.T) {
	src := &staticSource{ids: []int64{1, 2, 3, 4}}
	s := New(Config{BatchSize: 3}, src, &countingSender{}, logx.Nop())
	n, err := s.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPollNowSourceError(t *testing.T) {
	s := New(Config{}, &staticSource{err: errors.New("db down")}, &countingSender{}, logx.Nop())
	_, err := s.PollNow(context.Background())
	assert.Error(t, err)
}

func TestWorkersSendAndRelease(t *testing.T) {
	src := &staticSource{ids: []int64{7}}
	snd := &countingSender{}
	s := New(Config{Enabled: true, Schedule: "@every 1h", Workers: 2}, src, snd, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	assert.True(t, s.Stats().Running)

	_, err := s.PollNow(context.Background())
	require.NoError(t, err)
	eventually(t, func() bool { return s.Stats().Completed == 1 })
	assert.Equal(t, 1, snd.count(7))

	// Released after the pass, so a later poll queues it again.
	eventually(t, func() bool {
		n, err := s.PollNow(context.Background())
		return err == nil && n == 1
	})
	eventually(t, func() bool { return snd.count(7) == 2 })
}

func TestRunningSendIsNotQueuedTwice(t *testing.T) {
	src := &staticSource{ids: []int64{9}}
	snd := &countingSender{block: make(chan struct{})}
	s := New(Config{Schedule: "@every 1h", Workers: 2}, src, snd, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	_, err := s.PollNow(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		n, err := s.PollNow(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	close(snd.block)
	eventually(t, func() bool { return s.Stats().Completed == 1 })
	assert.Equal(t, 1, snd.count(9))
}

func TestFailedSendsAreCounted(t *testing.T) {
	snd := &countingSender{err: errors.New("channel unavailable")}
	s := New(Config{Schedule: "@every 1h", Workers: 1}, &staticSource{ids: []int64{3}}, snd, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	_, err := s.PollNow(context.Background())
	require.NoError(t, err)
	eventually(t, func() bool { return s.Stats().Failed == 1 })
}

func TestStopCancelsRunningSends(t *testing.T) {
	snd := &countingSender{block: make(chan struct{})}
	s := New(Config{Schedule: "@every 1h", Workers: 1}, &staticSource{ids: []int64{5}}, snd, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	_, err := s.PollNow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Stats().Running)
	assert.Zero(t, snd.count(5))

	// Stop on a stopped service is a no-op; Start works again.
	s.Stop(context.Background())
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}

func TestValidate(t *testing.T) {
	s := New(Config{}, &staticSource{}, &countingSender{}, logx.Nop())
	assert.NoError(t, s.Validate(Config{}))
	assert.NoError(t, s.Validate(Config{Schedule: "*/5 * * * *", Timezone: "UTC"}))
	assert.NoError(t, s.Validate(Config{Schedule: "0 */5 * * * *"}))
	assert.Error(t, s.Validate(Config{Schedule: "every tuesday"}))
	assert.Error(t, s.Validate(Config{Timezone: "Mars/Olympus"}))
}

func TestApplyRestartsTrigger(t *testing.T) {
	s := New(Config{Schedule: "@every 1h"}, &staticSource{}, &countingSender{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.mu.Lock()
	before := s.c
	s.mu.Unlock()

	s.Apply(Config{Schedule: "@every 2h"})
	s.mu.Lock()
	after := s.c
	s.mu.Unlock()
	assert.NotSame(t, before, after)

	s.Apply(Config{Schedule: "@every 2h", BatchSize: 5})
	s.mu.Lock()
	same := s.c
	s.mu.Unlock()
	assert.Same(t, after, same)
}
