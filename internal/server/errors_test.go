package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/interp"
)

// TestStatusFor tests the mapping of error kinds to HTTP statuses
func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", BadRequest("no query"), http.StatusBadRequest},
		{"exhausted", core.NewError(core.KindPoolExhaustedTimeout, "acquire", "timed out"), http.StatusServiceUnavailable},
		{"closed", core.NewError(core.KindPoolClosed, "acquire", "closed"), http.StatusServiceUnavailable},
		{"broken", fmt.Errorf("query: %w", core.NewError(core.KindConnectionBroken, "dial", "refused")), http.StatusBadGateway},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"interpreter", &interp.InterpreterError{Entry: "app.fail", Message: "boom"}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

// TestNewErrorBody_Interpreter tests that tracebacks are only exposed on request
func TestNewErrorBody_Interpreter(t *testing.T) {
	err := &interp.InterpreterError{Entry: "app.fail", Message: "ValueError: boom", Traceback: "Traceback..."}

	hidden := NewErrorBody(err, false)
	assert.Len(t, hidden.Errors, 1)
	assert.Equal(t, "ValueError: boom", hidden.Errors[0].Message)
	assert.Equal(t, "InterpreterError", hidden.Errors[0].Extensions["kind"])
	assert.NotContains(t, hidden.Errors[0].Extensions, "traceback")

	exposed := NewErrorBody(err, true)
	assert.Equal(t, "Traceback...", exposed.Errors[0].Extensions["traceback"])
}

// TestNewErrorBody_Unknown tests that unclassified errors are masked unless exposed
func TestNewErrorBody_Unknown(t *testing.T) {
	err := errors.New("secret detail")

	body := NewErrorBody(err, false)
	assert.Equal(t, "internal server error", body.Errors[0].Message)
	assert.Equal(t, "InternalError", body.Errors[0].Extensions["kind"])

	body = NewErrorBody(err, true)
	assert.Equal(t, "secret detail", body.Errors[0].Message)
}

// TestNewErrorBody_Kinded tests that classified errors keep their message
func TestNewErrorBody_Kinded(t *testing.T) {
	body := NewErrorBody(BadRequest("query is required"), false)
	assert.Equal(t, "query is required", body.Errors[0].Message)
	assert.Equal(t, "BadRequest", body.Errors[0].Extensions["kind"])
}
