// Package taskqueue runs guest entry points in the background. Tasks are kept
// in Redis: a sorted set of task ids scored by due time, one key per task
// definition and one per result. Any number of workers (in any number of
// processes) may poll the same queue; a task runs on the worker whose ZREM
// claims it.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/metrics"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultKeepResultsFor = 5 * time.Minute
	DefaultWaitTimeout    = 10 * time.Second
	DefaultPrefix         = "burrow:tq"
)

// Task outcomes.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Caller invokes a guest entry point.
type Caller interface {
	Call(ctx context.Context, identifier string, args any) (any, error)
}

// AddOptions control when a task runs and how long its result is kept.
// Zero values select the defaults; a zero At means now.
type AddOptions struct {
	At             time.Time
	Timeout        time.Duration
	KeepResultsFor time.Duration
}

type task struct {
	ID               string          `json:"id"`
	Entry            string          `json:"entry"`
	Param            json.RawMessage `json:"param"`
	TimeoutMS        int64           `json:"timeout_ms"`
	KeepResultsForMS int64           `json:"keep_results_for_ms"`
}

// Result is the stored outcome of a task.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Options configures a Queue.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Prefix       string
	Clock        clockwork.Clock
}

// Queue schedules tasks and runs them through a Caller.
type Queue struct {
	client *redis.Client
	caller Caller
	opts   Options
	clock  clockwork.Clock
}

// New creates a queue on client. Workers only run once Run is called.
func New(client *redis.Client, caller Caller, opts Options) (*Queue, error) {
	if opts.Workers <= 0 {
		return nil, core.NewConfigError("task queue workers must be greater than 0, got %d", opts.Workers)
	}
	if opts.PollInterval <= 0 {
		return nil, core.NewConfigError("task queue poll interval must be greater than 0, got %s", opts.PollInterval)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Queue{client: client, caller: caller, opts: opts, clock: opts.Clock}, nil
}

func (q *Queue) scheduledKey() string      { return q.opts.Prefix + ":scheduled" }
func (q *Queue) taskKey(id string) string   { return q.opts.Prefix + ":task:" + id }
func (q *Queue) resultKey(id string) string { return q.opts.Prefix + ":result:" + id }

// Add schedules entry to be called with param and returns the task id.
func (q *Queue) Add(ctx context.Context, entry string, param any, opts AddOptions) (string, error) {
	if opts.At.IsZero() {
		opts.At = q.clock.Now()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.KeepResultsFor <= 0 {
		opts.KeepResultsFor = DefaultKeepResultsFor
	}

	raw, err := json.Marshal(param)
	if err != nil {
		return "", fmt.Errorf("failed to encode task parameter: %w", err)
	}
	t := task{
		ID:               uuid.NewString(),
		Entry:            entry,
		Param:            raw,
		TimeoutMS:        opts.Timeout.Milliseconds(),
		KeepResultsForMS: opts.KeepResultsFor.Milliseconds(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(t.ID), data, 0)
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(opts.At.UnixMilli()), Member: t.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to schedule task: %w", err)
	}

	zap.L().Debug("Task scheduled",
		zap.String("id", t.ID),
		zap.String("entry", entry),
		zap.Time("at", opts.At))
	return t.ID, nil
}

// RunOnce claims and runs at most one due task. It reports whether a task ran.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	now := strconv.FormatInt(q.clock.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to poll task queue: %w", err)
	}
	if len(ids) == 0 {
		return false, nil
	}
	id := ids[0]

	claimed, err := q.client.ZRem(ctx, q.scheduledKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if claimed == 0 {
		// another worker won
		return false, nil
	}

	data, err := q.client.GetDel(ctx, q.taskKey(id)).Bytes()
	if err != nil {
		return false, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	var t task
	if err := json.Unmarshal(data, &t); err != nil {
		return false, fmt.Errorf("failed to decode task %s: %w", id, err)
	}

	result := q.execute(ctx, t)
	encoded, err := json.Marshal(result)
	if err != nil {
		return true, fmt.Errorf("failed to encode result of task %s: %w", id, err)
	}
	keep := time.Duration(t.KeepResultsForMS) * time.Millisecond
	if err := q.client.Set(ctx, q.resultKey(id), encoded, keep).Err(); err != nil {
		return true, fmt.Errorf("failed to store result of task %s: %w", id, err)
	}
	return true, nil
}

func (q *Queue) execute(ctx context.Context, t task) Result {
	var param any
	if len(t.Param) > 0 {
		if err := json.Unmarshal(t.Param, &param); err != nil {
			return Result{ID: t.ID, Status: StatusError, Error: err.Error()}
		}
	}

	callCtx, cancel := clockwork.WithTimeout(ctx, q.clock, time.Duration(t.TimeoutMS)*time.Millisecond)
	defer cancel()

	start := q.clock.Now()
	value, err := q.caller.Call(callCtx, t.Entry, param)
	fields := []zap.Field{
		zap.String("id", t.ID),
		zap.String("entry", t.Entry),
		zap.Duration("duration", q.clock.Since(start)),
	}
	if err != nil {
		metrics.RecordTask(StatusError)
		zap.L().Warn("Task failed", append(fields, zap.Error(err))...)
		return Result{ID: t.ID, Status: StatusError, Error: err.Error(), Kind: string(core.KindOf(err))}
	}

	metrics.RecordTask(StatusOK)
	zap.L().Debug("Task completed", fields...)
	return Result{ID: t.ID, Status: StatusOK, Value: value}
}

// Result returns the stored result of task id, if it finished and has not expired.
func (q *Queue) Result(ctx context.Context, id string) (*Result, bool, error) {
	data, err := q.client.Get(ctx, q.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read result of task %s: %w", id, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("failed to decode result of task %s: %w", id, err)
	}
	return &r, true, nil
}

// Wait polls for the result of task id. Without a deadline on ctx it gives
// up after DefaultWaitTimeout.
func (q *Queue) Wait(ctx context.Context, id string, poll time.Duration) (*Result, error) {
	if poll <= 0 {
		poll = q.opts.PollInterval
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = clockwork.WithTimeout(ctx, q.clock, DefaultWaitTimeout)
		defer cancel()
	}

	for {
		r, found, err := q.Result(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			return r, nil
		}
		if err := q.sleep(ctx, poll); err != nil {
			return nil, fmt.Errorf("waiting for task %s: %w", id, err)
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	timer := q.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	zap.L().Info("Task queue workers started",
		zap.Int("workers", q.opts.Workers),
		zap.Duration("poll_interval", q.opts.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	for i := range q.opts.Workers {
		g.Go(func() error {
			return q.work(gctx, i)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (q *Queue) work(ctx context.Context, worker int) error {
	for {
		ran, err := q.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			zap.L().Error("Task queue worker error", zap.Int("worker", worker), zap.Error(err))
		}
		if ran {
			continue
		}
		if err := q.sleep(ctx, q.opts.PollInterval); err != nil {
			return err
		}
	}
}
