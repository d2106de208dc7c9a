package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/burrow/internal/core"
)

// fakeCaller records calls and answers with fn
type fakeCaller struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, identifier string, args any) (any, error)
}

func (f *fakeCaller) Call(ctx context.Context, identifier string, args any) (any, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[identifier]++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, identifier, args)
	}
	return args, nil
}

func newTestQueue(t *testing.T, caller Caller, clock clockwork.Clock, workers int) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := New(client, caller, Options{Workers: workers, PollInterval: 10 * time.Millisecond, Clock: clock})
	require.NoError(t, err)
	return q
}

// TestNew_Validation tests that bad options are config errors
func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &fakeCaller{}, Options{Workers: 0, PollInterval: time.Second})
	assert.ErrorIs(t, err, core.ErrConfig)
	_, err = New(nil, &fakeCaller{}, Options{Workers: 1})
	assert.ErrorIs(t, err, core.ErrConfig)
}

// TestQueue_AddRunResult tests that a due task runs once and its result is stored
func TestQueue_AddRunResult(t *testing.T) {
	caller := &fakeCaller{}
	q := newTestQueue(t, caller, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	id, err := q.Add(ctx, "app.tasks.double", map[string]any{"n": 2}, AddOptions{})
	require.NoError(t, err)

	_, found, err := q.Result(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	ran, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	result, found, err := q.Result(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, map[string]any{"n": float64(2)}, result.Value)
	assert.Equal(t, 1, caller.calls["app.tasks.double"])
}

// TestQueue_ScheduledInFuture tests that tasks wait until their due time
func TestQueue_ScheduledInFuture(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := newTestQueue(t, &fakeCaller{}, clock, 1)
	ctx := context.Background()

	_, err := q.Add(ctx, "app.tasks.later", nil, AddOptions{At: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	ran, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(time.Minute)
	ran, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

// TestQueue_FailedTask tests that a failing entry point stores an error result with its kind
func TestQueue_FailedTask(t *testing.T) {
	caller := &fakeCaller{fn: func(context.Context, string, any) (any, error) {
		return nil, core.NewError(core.KindInterpreter, "call", "ValueError: boom")
	}}
	q := newTestQueue(t, caller, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	id, err := q.Add(ctx, "app.tasks.fail", nil, AddOptions{})
	require.NoError(t, err)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	result, found, err := q.Result(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "ValueError: boom")
	assert.Equal(t, string(core.KindInterpreter), result.Kind)
}

// TestQueue_TaskTimeout tests that the task timeout bounds the call
func TestQueue_TaskTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	caller := &fakeCaller{fn: func(ctx context.Context, _ string, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := newTestQueue(t, caller, clock, 1)
	ctx := context.Background()

	id, err := q.Add(ctx, "app.tasks.slow", nil, AddOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.RunOnce(ctx)
		done <- err
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(2 * time.Second)
	require.NoError(t, <-done)

	result, found, err := q.Result(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "deadline exceeded")
}

// TestQueue_ResultExpiry tests that results are kept for the requested duration
func TestQueue_ResultExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer core.LogDeferredError(client.Close)
	q, err := New(client, &fakeCaller{}, Options{Workers: 1, PollInterval: time.Millisecond, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := q.Add(ctx, "app.tasks.short", "x", AddOptions{KeepResultsFor: time.Second})
	require.NoError(t, err)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	_, found, err := q.Result(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)

	mr.FastForward(2 * time.Second)
	_, found, err = q.Result(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestQueue_RunWorkers tests that concurrent workers run every task exactly once
func TestQueue_RunWorkers(t *testing.T) {
	var mu sync.Mutex
	seen := map[float64]int{}
	caller := &fakeCaller{fn: func(_ context.Context, _ string, args any) (any, error) {
		mu.Lock()
		seen[args.(float64)]++
		mu.Unlock()
		return args, nil
	}}
	q := newTestQueue(t, caller, clockwork.NewRealClock(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	var ids []string
	for i := range 10 {
		id, err := q.Add(context.Background(), "app.tasks.echo", i, AddOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := q.Wait(waitCtx, id, 5*time.Millisecond)
		waitCancel()
		require.NoError(t, err)
		assert.Equal(t, StatusOK, result.Status)
	}

	cancel()
	require.NoError(t, <-runErr)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	for n, count := range seen {
		assert.Equal(t, 1, count, "task %v ran %d times", n, count)
	}
}

// TestQueue_WaitTimeout tests that waiting on an unknown task gives up with the context
func TestQueue_WaitTimeout(t *testing.T) {
	q := newTestQueue(t, &fakeCaller{}, clockwork.NewRealClock(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Wait(ctx, "missing", 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
