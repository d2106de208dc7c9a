// Package pool implements a bounded connection pool shared by every pooled
// resource in the runtime (database connections, Redis connections).
//
// At most Size connections are checked out at any time. Acquire suspends the
// calling goroutine until a connection is available, the wait timeout passes,
// or the context is done. Every lease is released exactly once; With releases
// on every path including panics.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/metrics"
)

// Factory creates, checks and destroys connections for a pool.
type Factory[T any] interface {
	Dial(ctx context.Context) (T, error)
	Alive(ctx context.Context, conn T) error
	Close(conn T) error
}

// Options configures a pool.
type Options struct {
	Name        string
	Size        int
	WaitTimeout time.Duration
	Clock       clockwork.Clock
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Size      int
	InUse     int
	Idle      int
	Acquires  int64
	Releases  int64
	Timeouts  int64
	Discards  int64
	Dials     int64
	Available int
}

// Pool is a fixed-capacity pool of connections of type T.
type Pool[T any] struct {
	name        string
	factory     Factory[T]
	size        int
	waitTimeout time.Duration
	clock       clockwork.Clock

	// tokens holds one entry per connection that may still be checked out.
	tokens chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	idle   []T
	closed bool

	inUse    atomic.Int64
	acquires atomic.Int64
	releases atomic.Int64
	timeouts atomic.Int64
	discards atomic.Int64
	dials    atomic.Int64
}

// New creates a pool. Connections are dialed lazily on first acquire.
func New[T any](factory Factory[T], opts Options) (*Pool[T], error) {
	if opts.Size <= 0 {
		return nil, core.NewConfigError("pool %q: size must be greater than 0, got %d", opts.Name, opts.Size)
	}
	if opts.WaitTimeout <= 0 {
		return nil, core.NewConfigError("pool %q: wait timeout must be greater than 0, got %s", opts.Name, opts.WaitTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	p := &Pool[T]{
		name:        opts.Name,
		factory:     factory,
		size:        opts.Size,
		waitTimeout: opts.WaitTimeout,
		clock:       opts.Clock,
		tokens:      make(chan struct{}, opts.Size),
		done:        make(chan struct{}),
	}
	for range opts.Size {
		p.tokens <- struct{}{}
	}
	return p, nil
}

// Name returns the pool's name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Size returns the pool's capacity.
func (p *Pool[T]) Size() int {
	return p.size
}

// Available returns how many more connections could be checked out right now.
func (p *Pool[T]) Available() int {
	return len(p.tokens)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return Stats{
		Size:      p.size,
		InUse:     int(p.inUse.Load()),
		Idle:      idle,
		Acquires:  p.acquires.Load(),
		Releases:  p.releases.Load(),
		Timeouts:  p.timeouts.Load(),
		Discards:  p.discards.Load(),
		Dials:     p.dials.Load(),
		Available: len(p.tokens),
	}
}

func (p *Pool[T]) closedError() error {
	return core.NewError(core.KindPoolClosed, "acquire", "pool %q is closed", p.name)
}

// Acquire checks out a connection. It fails with PoolExhaustedTimeout when no
// connection frees up within the wait timeout, with ConnectionBroken when a
// fresh connection cannot be dialed, and with the context's error when ctx is
// done first.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	if err := p.waitForToken(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.tokens <- struct{}{}
		return nil, p.closedError()
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.tokens <- struct{}{}
		return nil, err
	}

	p.acquires.Add(1)
	metrics.RecordPoolEvent(p.name, metrics.PoolEventAcquire)
	metrics.SetPoolInUse(p.name, int(p.inUse.Add(1)))

	return &Lease[T]{pool: p, conn: conn}, nil
}

func (p *Pool[T]) waitForToken(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return p.closedError()
	default:
	}

	select {
	case <-p.tokens:
		return nil
	default:
	}

	zap.L().Debug("Pool exhausted, waiting for a connection",
		zap.String("pool", p.name),
		zap.Int("size", p.size))

	timer := p.clock.NewTimer(p.waitTimeout)
	defer timer.Stop()

	select {
	case <-p.tokens:
		return nil
	case <-timer.Chan():
		p.timeouts.Add(1)
		metrics.RecordPoolEvent(p.name, metrics.PoolEventTimeout)
		return core.NewError(core.KindPoolExhaustedTimeout, "acquire",
			"pool %q exhausted: no connection available within %s", p.name, p.waitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return p.closedError()
	}
}

// checkout returns a live idle connection or dials a new one.
func (p *Pool[T]) checkout(ctx context.Context) (T, error) {
	for {
		conn, ok := p.popIdle()
		if !ok {
			break
		}
		if err := p.factory.Alive(ctx, conn); err != nil {
			zap.L().Warn("Discarding dead pooled connection",
				zap.String("pool", p.name),
				zap.Error(err))
			p.discard(conn)
			continue
		}
		return conn, nil
	}

	p.dials.Add(1)
	metrics.RecordPoolEvent(p.name, metrics.PoolEventDial)
	conn, err := p.factory.Dial(ctx)
	if err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, core.WrapError(core.KindConnectionBroken, fmt.Sprintf("dial %s", p.name), err)
	}
	return conn, nil
}

func (p *Pool[T]) popIdle() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if len(p.idle) == 0 {
		return zero, false
	}
	last := len(p.idle) - 1
	conn := p.idle[last]
	p.idle[last] = zero
	p.idle = p.idle[:last]
	return conn, true
}

func (p *Pool[T]) discard(conn T) {
	p.discards.Add(1)
	metrics.RecordPoolEvent(p.name, metrics.PoolEventDiscard)
	if err := p.factory.Close(conn); err != nil {
		zap.L().Debug("Error closing discarded connection", zap.String("pool", p.name), zap.Error(err))
	}
}

// put returns a leased connection and its capacity token.
func (p *Pool[T]) put(conn T, broken bool) {
	p.releases.Add(1)
	metrics.RecordPoolEvent(p.name, metrics.PoolEventRelease)
	metrics.SetPoolInUse(p.name, int(p.inUse.Add(-1)))

	p.mu.Lock()
	keep := !broken && !p.closed
	if keep {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if !keep {
		p.discard(conn)
	}

	p.tokens <- struct{}{}
}

// With acquires a connection, runs fn with it and releases it, also when fn
// panics. If fn fails and the connection no longer passes its liveness check,
// the connection is discarded and the error is reported as ConnectionBroken.
func (p *Pool[T]) With(ctx context.Context, fn func(ctx context.Context, conn T) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = fn(ctx, lease.Conn())
	if err == nil {
		return nil
	}

	checkCtx, cancel := clockwork.WithTimeout(context.WithoutCancel(ctx), p.clock, p.waitTimeout)
	defer cancel()
	if aliveErr := p.factory.Alive(checkCtx, lease.Conn()); aliveErr != nil {
		lease.MarkBroken()
		return core.WrapError(core.KindConnectionBroken, p.name, err)
	}
	return err
}

// Close closes idle connections and fails future acquires. Connections still
// leased are closed when they are released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	close(p.done)
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := p.factory.Close(conn); err != nil {
			errs = append(errs, err)
		}
	}

	zap.L().Debug("Pool closed",
		zap.String("pool", p.name),
		zap.Int("idle_closed", len(idle)),
		zap.Int64("in_use", p.inUse.Load()))

	return errors.Join(errs...)
}

// Lease is a checked-out connection. Release it exactly once; further calls are no-ops.
type Lease[T any] struct {
	pool   *Pool[T]
	conn   T
	once   sync.Once
	broken atomic.Bool
}

// Conn returns the leased connection.
func (l *Lease[T]) Conn() T {
	return l.conn
}

// MarkBroken makes Release discard the connection instead of pooling it.
func (l *Lease[T]) MarkBroken() {
	l.broken.Store(true)
}

// Release returns the connection to its pool.
func (l *Lease[T]) Release() {
	l.once.Do(func() {
		l.pool.put(l.conn, l.broken.Load())
	})
}
