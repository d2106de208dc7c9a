package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/interp"
)

// KindBadRequest classifies malformed client requests.
const KindBadRequest core.Kind = "BadRequest"

// ErrorItem is one entry of an error body.
type ErrorItem struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Errors []ErrorItem `json:"errors"`
}

// BadRequest creates an error answered with 400.
func BadRequest(format string, args ...any) error {
	return core.NewError(KindBadRequest, "", format, args...)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch core.KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case core.KindPoolExhaustedTimeout, core.KindPoolClosed:
		return http.StatusServiceUnavailable
	case core.KindConnectionBroken:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// NewErrorBody renders err. Guest tracebacks are only included when
// exposeTracebacks is set.
func NewErrorBody(err error, exposeTracebacks bool) ErrorBody {
	kind := core.KindOf(err)
	if kind == core.KindUnknown {
		kind = "InternalError"
	}
	item := ErrorItem{
		Message:    err.Error(),
		Extensions: map[string]any{"kind": string(kind)},
	}

	var ierr *interp.InterpreterError
	if errors.As(err, &ierr) {
		item.Message = ierr.Message
		if exposeTracebacks && ierr.Traceback != "" {
			item.Extensions["traceback"] = ierr.Traceback
		}
	} else if kind == "InternalError" && !exposeTracebacks {
		item.Message = "internal server error"
	}
	return ErrorBody{Errors: []ErrorItem{item}}
}

// WriteError aborts the request with the status and body for err.
func WriteError(c *gin.Context, err error, exposeTracebacks bool) {
	status := StatusFor(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, NewErrorBody(err, exposeTracebacks))
}

// recovered turns a panic value into an error.
func recovered(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
