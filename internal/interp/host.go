package interp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/resource"
	"github.com/dorcha-inc/burrow/internal/taskqueue"
)

// HostModule is the import module name guests use for host functions.
const HostModule = "burrow"

// Services are the resources host functions may use. Any of them may be nil
// when the corresponding feature is disabled.
type Services struct {
	Database *resource.Database
	Cache    *resource.Redis
	PubSub   *resource.PubSub
	Queue    *taskqueue.Queue
}

type connKey struct{}
type connectionIDKey struct{}

// WithConn makes db_query calls made during ctx run on conn instead of
// leasing their own connection.
func WithConn(ctx context.Context, conn *sql.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

func connFrom(ctx context.Context) *sql.Conn {
	conn, _ := ctx.Value(connKey{}).(*sql.Conn)
	return conn
}

// WithConnectionID tags messages published during ctx with id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey{}, id)
}

func connectionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(connectionIDKey{}).(string)
	return id
}

var (
	errNoDatabase = errors.New("database is not enabled")
	errNoCache    = errors.New("redis is not enabled")
	errNoPubSub   = errors.New("pubsub is not enabled")
	errNoQueue    = errors.New("task queue is not enabled")
)

type hostFunc func(ctx context.Context, in []byte) (any, error)

// instantiateHost registers the burrow host module on r.
func (b *Bridge) instantiateHost(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(HostModule)
	for name, fn := range map[string]hostFunc{
		"db_query":    b.hostQuery,
		"publish":     b.hostPublish,
		"log":         b.hostLog,
		"cache_get":   b.hostCacheGet,
		"cache_set":   b.hostCacheSet,
		"task_add":    b.hostTaskAdd,
		"task_result": b.hostTaskResult,
		"task_wait":   b.hostTaskWait,
	} {
		builder = builder.NewFunctionBuilder().WithFunc(adaptHost(name, fn)).Export(name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// adaptHost wraps fn in the guest ABI: read the request from guest memory,
// write the JSON reply back through the guest allocator.
func adaptHost(name string, fn hostFunc) func(context.Context, api.Module, uint32, uint32) uint64 {
	return func(ctx context.Context, mod api.Module, ptr, n uint32) uint64 {
		var reply any
		in, ok := mod.Memory().Read(ptr, n)
		if !ok {
			reply = errorReply(errGuestMemory)
		} else if result, err := fn(ctx, in); err != nil {
			zap.L().Debug("Host function failed", zap.String("function", name), zap.Error(err))
			reply = errorReply(err)
		} else {
			reply = result
		}

		out, err := json.Marshal(reply)
		if err != nil {
			out, _ = json.Marshal(errorReply(err))
		}
		outPtr, err := writeGuest(ctx, mod, out)
		if err != nil {
			zap.L().Error("Failed to write host reply", zap.String("function", name), zap.Error(err))
			return 0
		}
		return pack(outPtr, uint32(len(out)))
	}
}

func errorReply(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func (b *Bridge) hostQuery(ctx context.Context, in []byte) (any, error) {
	var req struct {
		SQL  string `json:"sql"`
		Args []any  `json:"args"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad db_query request: %w", err)
	}

	if conn := connFrom(ctx); conn != nil {
		return resource.Query(ctx, conn, req.SQL, req.Args...)
	}

	db := b.services().Database
	if db == nil {
		return nil, errNoDatabase
	}
	var result *resource.QueryResult
	err := db.Pool().With(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var err error
		result, err = resource.Query(ctx, conn, req.SQL, req.Args...)
		return err
	})
	return result, err
}

func (b *Bridge) hostPublish(ctx context.Context, in []byte) (any, error) {
	var req struct {
		Channel string          `json:"channel"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad publish request: %w", err)
	}
	ps := b.services().PubSub
	if ps == nil {
		return nil, errNoPubSub
	}

	from := connectionIDFrom(ctx)
	var text string
	var err error
	if json.Unmarshal(req.Message, &text) == nil {
		err = ps.Publish(ctx, req.Channel, from, text)
	} else {
		err = ps.PublishJSON(ctx, req.Channel, from, req.Message)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (b *Bridge) hostLog(_ context.Context, in []byte) (any, error) {
	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad log request: %w", err)
	}

	logger := zap.L().With(zap.String("source", "guest"))
	switch req.Level {
	case "debug":
		logger.Debug(req.Message)
	case "warn", "warning":
		logger.Warn(req.Message)
	case "error":
		logger.Error(req.Message)
	default:
		logger.Info(req.Message)
	}
	return map[string]any{"ok": true}, nil
}

func (b *Bridge) hostCacheGet(ctx context.Context, in []byte) (any, error) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad cache_get request: %w", err)
	}
	cache := b.services().Cache
	if cache == nil {
		return nil, errNoCache
	}
	value, found, err := cache.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": value, "found": found}, nil
}

func (b *Bridge) hostCacheSet(ctx context.Context, in []byte) (any, error) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad cache_set request: %w", err)
	}
	cache := b.services().Cache
	if cache == nil {
		return nil, errNoCache
	}
	if err := cache.Set(ctx, req.Key, req.Value); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (b *Bridge) hostTaskAdd(ctx context.Context, in []byte) (any, error) {
	var req struct {
		Entry            string          `json:"entry"`
		Param            json.RawMessage `json:"param"`
		DelayMS          int64           `json:"delay_ms"`
		TimeoutMS        int64           `json:"timeout_ms"`
		KeepResultsForMS int64           `json:"keep_results_for_ms"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad task_add request: %w", err)
	}
	q := b.services().Queue
	if q == nil {
		return nil, errNoQueue
	}
	if _, err := ParseEntryPoint(req.Entry); err != nil {
		return nil, err
	}
	if len(req.Param) == 0 {
		req.Param = json.RawMessage("null")
	}

	opts := taskqueue.AddOptions{
		Timeout:        millis(req.TimeoutMS),
		KeepResultsFor: millis(req.KeepResultsForMS),
	}
	if req.DelayMS > 0 {
		opts.At = b.clock.Now().Add(millis(req.DelayMS))
	}
	id, err := q.Add(ctx, req.Entry, req.Param, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (b *Bridge) hostTaskResult(ctx context.Context, in []byte) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad task_result request: %w", err)
	}
	q := b.services().Queue
	if q == nil {
		return nil, errNoQueue
	}
	result, found, err := q.Result(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": found, "result": result}, nil
}

// hostTaskWait blocks the calling instance until the task finishes, so a
// guest waiting on its own tasks needs another instance free to run them.
func (b *Bridge) hostTaskWait(ctx context.Context, in []byte) (any, error) {
	var req struct {
		ID        string `json:"id"`
		PollMS    int64  `json:"poll_ms"`
		TimeoutMS int64  `json:"timeout_ms"`
	}
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, fmt.Errorf("bad task_wait request: %w", err)
	}
	q := b.services().Queue
	if q == nil {
		return nil, errNoQueue
	}
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clockwork.WithTimeout(ctx, b.clock, millis(req.TimeoutMS))
		defer cancel()
	}
	result, err := q.Wait(ctx, req.ID, millis(req.PollMS))
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}
