package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/testutil"
)

func newRuntime(t *testing.T, b config.Builder) *runtime.Runtime {
	t.Helper()
	rt, err := runtime.New(context.Background(), b.Build())
	require.NoError(t, err)
	t.Cleanup(func() {
		core.LogDeferredError(func() error { return rt.Close(context.Background()) })
	})
	return rt
}

func baseBuilder(t *testing.T) config.Builder {
	t.Helper()
	return config.NewBuilder().
		SetAppDir(testutil.WriteApp(t, t.TempDir())).
		SetInterpreterWorkers(2)
}

func withDatabase(t *testing.T, b config.Builder) config.Builder {
	t.Helper()
	return b.SetDatabasePoolSize(2).
		SetDatabaseDriver(config.DatabaseDriverSQLite).
		SetDatabaseURL(filepath.Join(t.TempDir(), "burrow.db"))
}

type served struct {
	url    string
	cancel context.CancelFunc
	done   chan error
}

func serve(t *testing.T, srv *Server) served {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	return served{url: "http://" + ln.Addr().String(), cancel: cancel, done: done}
}

func decodeErrorBody(t *testing.T, body io.Reader) ErrorBody {
	t.Helper()
	var out ErrorBody
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	require.NotEmpty(t, out.Errors)
	return out
}

// TestNew_RejectsInvalidRouter tests that an invalid route table is a config error
func TestNew_RejectsInvalidRouter(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t))

	_, err := New(rt, NewRouter().Get("/a", noop).Get("/a", noop), Options{})
	assert.ErrorIs(t, err, core.ErrConfig)

	_, err = New(rt, NewRouter().Get(MetricsPath, noop), Options{})
	assert.ErrorIs(t, err, core.ErrConfig)
}

// TestNew_MetricsPathFreeWhenDisabled tests that /metrics is only reserved when metrics are on
func TestNew_MetricsPathFreeWhenDisabled(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t).SetMetrics(false))

	srv, err := New(rt, NewRouter().Get(MetricsPath, noop), Options{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

// TestHandler_Metrics tests that prometheus metrics are served
func TestHandler_Metrics(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t))
	srv, err := New(rt, NewRouter().Get("/ping", noop), Options{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "burrow_http_requests_total")
}

// TestHandler_GuestError tests that guest failures become error bodies
func TestHandler_GuestError(t *testing.T) {
	failing := func(rt *runtime.Runtime) gin.HandlerFunc {
		return func(c *gin.Context) {
			if _, err := rt.Call(c.Request.Context(), "hello.fail", nil); err != nil {
				WriteError(c, err, rt.Settings().ExposeTracebacks)
				return
			}
			c.Status(http.StatusOK)
		}
	}

	for _, expose := range []bool{false, true} {
		rt := newRuntime(t, baseBuilder(t).SetExposeTracebacks(expose))
		srv, err := New(rt, NewRouter().Get("/fail", failing), Options{})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)

		body := decodeErrorBody(t, w.Body)
		assert.Equal(t, testutil.FixtureErrorMessage, body.Errors[0].Message)
		assert.Equal(t, "InterpreterError", body.Errors[0].Extensions["kind"])
		if expose {
			assert.Equal(t, testutil.FixtureTraceback, body.Errors[0].Extensions["traceback"])
		} else {
			assert.NotContains(t, body.Errors[0].Extensions, "traceback")
		}
	}
}

// TestHandler_PanicRecovery tests that a panicking handler answers 500 and the server keeps serving
func TestHandler_PanicRecovery(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t))
	panicking := func(*runtime.Runtime) gin.HandlerFunc {
		return func(*gin.Context) { panic("boom") }
	}
	srv, err := New(rt, NewRouter().Get("/panic", panicking).Get("/ping", noop), Options{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeErrorBody(t, w.Body)
	assert.Equal(t, "internal server error", body.Errors[0].Message)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

// TestHandler_AppFallback tests that unmatched requests are answered by the application entry point
func TestHandler_AppFallback(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t))
	srv, err := New(rt, NewRouter().Get("/ping", noop), Options{AppEntry: "hello.Application"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/items?x=1", strings.NewReader("payload")))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "burrow", w.Header().Get("X-App"))
	assert.Equal(t, "created by app", w.Body.String())

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

// TestHandler_NoFallback tests that unmatched requests are 404 without an application entry point
func TestHandler_NoFallback(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t))
	srv, err := New(rt, NewRouter(), Options{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestDecodeAppResponse tests the accepted shapes of an application reply
func TestDecodeAppResponse(t *testing.T) {
	resp, err := decodeAppResponse("hello")
	require.NoError(t, err)
	assert.Equal(t, AppResponse{Status: http.StatusOK, Body: "hello"}, resp)

	resp, err = decodeAppResponse(map[string]any{"body": "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	_, err = decodeAppResponse(map[string]any{"status": 7})
	assert.Error(t, err)

	_, err = decodeAppResponse([]any{1, 2})
	assert.Error(t, err)
}

// TestServe_DrainsInFlightRequests tests that shutdown waits for an in-flight request
// and every pooled connection is returned
func TestServe_DrainsInFlightRequests(t *testing.T) {
	rt := newRuntime(t, withDatabase(t, baseBuilder(t)).SetShutdownGrace(5*time.Second))
	db := rt.Database().Pool()

	started := make(chan struct{})
	slow := func(rt *runtime.Runtime) gin.HandlerFunc {
		return func(c *gin.Context) {
			lease, err := rt.Database().Pool().Acquire(c.Request.Context())
			if err != nil {
				WriteError(c, err, false)
				return
			}
			defer lease.Release()
			close(started)
			time.Sleep(200 * time.Millisecond)
			c.String(http.StatusOK, "done")
		}
	}

	srv, err := New(rt, NewRouter().Get("/slow", slow), Options{})
	require.NoError(t, err)
	s := serve(t, srv)

	type reply struct {
		status int
		body   string
		err    error
	}
	replies := make(chan reply, 1)
	go func() {
		resp, err := http.Get(s.url + "/slow")
		if err != nil {
			replies <- reply{err: err}
			return
		}
		defer core.LogDeferredError(resp.Body.Close)
		body, err := io.ReadAll(resp.Body)
		replies <- reply{status: resp.StatusCode, body: string(body), err: err}
	}()

	<-started
	assert.Equal(t, db.Size()-1, db.Available())
	s.cancel()

	r := <-replies
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "done", r.body)

	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, db.Size(), db.Available())
}

// TestServe_ForcesCloseAfterGrace tests that connections still busy after the grace period are closed
func TestServe_ForcesCloseAfterGrace(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t).SetShutdownGrace(50*time.Millisecond))

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	stuck := func(*runtime.Runtime) gin.HandlerFunc {
		return func(c *gin.Context) {
			close(started)
			<-release
			c.Status(http.StatusOK)
		}
	}

	srv, err := New(rt, NewRouter().Get("/stuck", stuck), Options{})
	require.NoError(t, err)
	s := serve(t, srv)

	clientErr := make(chan error, 1)
	go func() {
		resp, err := http.Get(s.url + "/stuck")
		if err == nil {
			core.LogDeferredError(resp.Body.Close)
		}
		clientErr <- err
	}()

	<-started
	s.cancel()

	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after the grace period")
	}
	assert.Error(t, <-clientErr)
}

// TestServe_StreamContextCancelledOnShutdown tests that long-lived handlers are told to stop
func TestServe_StreamContextCancelledOnShutdown(t *testing.T) {
	rt := newRuntime(t, baseBuilder(t).SetShutdownGrace(5*time.Second))

	started := make(chan struct{})
	stream := func(*runtime.Runtime) gin.HandlerFunc {
		return func(c *gin.Context) {
			close(started)
			<-StreamContext(c).Done()
			c.String(http.StatusOK, "stream ended")
		}
	}

	srv, err := New(rt, NewRouter().Get("/stream", stream), Options{})
	require.NoError(t, err)
	s := serve(t, srv)

	replies := make(chan string, 1)
	go func() {
		resp, err := http.Get(s.url + "/stream")
		if err != nil {
			replies <- err.Error()
			return
		}
		defer core.LogDeferredError(resp.Body.Close)
		body, _ := io.ReadAll(resp.Body)
		replies <- string(body)
	}()

	<-started
	s.cancel()
	assert.Equal(t, "stream ended", <-replies)
	require.NoError(t, <-s.done)
}
