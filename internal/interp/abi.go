package interp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

const (
	allocExport = "alloc"

	// traceMarker separates an engine error message from its stack trace.
	traceMarker = "\nwasm stack trace:"
)

var errGuestMemory = errors.New("guest memory access out of range")

// pack and unpack encode a guest buffer as ptr<<32 | len.
func pack(ptr, n uint32) uint64 {
	return uint64(ptr)<<32 | uint64(n)
}

func unpack(v uint64) (ptr, n uint32) {
	return uint32(v >> 32), uint32(v)
}

// writeGuest copies data into memory obtained from the guest's allocator.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction(allocExport)
	if alloc == nil {
		return 0, fmt.Errorf("module does not export %q", allocExport)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc(%d) failed: %w", len(data), err)
	}
	ptr := uint32(res[0])
	if len(data) > 0 && !mod.Memory().Write(ptr, data) {
		return 0, errGuestMemory
	}
	return ptr, nil
}

// readGuest copies the buffer described by packed out of guest memory.
func readGuest(mod api.Module, packed uint64) ([]byte, error) {
	ptr, n := unpack(packed)
	if n == 0 {
		return nil, nil
	}
	view, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return nil, errGuestMemory
	}
	return bytes.Clone(view), nil
}

type guestError struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// decodeResult turns guest output into a Go value. JSON objects with an
// "error" member become InterpreterErrors; non-JSON output is a string.
func decodeResult(entry string, out []byte) (any, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return string(out), nil
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(out, &envelope); err == nil && len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		return nil, decodeGuestError(entry, envelope.Error)
	}

	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result of %s: %w", entry, err)
	}
	return result, nil
}

func decodeGuestError(entry string, raw json.RawMessage) *InterpreterError {
	var ge guestError
	if err := json.Unmarshal(raw, &ge); err == nil && ge.Message != "" {
		return &InterpreterError{Entry: entry, Message: ge.Message, Traceback: ge.Traceback}
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &InterpreterError{Entry: entry, Message: msg}
	}
	return &InterpreterError{Entry: entry, Message: string(raw)}
}

// trapError converts an engine failure into an InterpreterError, keeping the
// wasm stack trace as the traceback.
func trapError(entry string, err error) *InterpreterError {
	text := err.Error()
	msg, trace, found := strings.Cut(text, traceMarker)
	if !found {
		return &InterpreterError{Entry: entry, Message: text}
	}
	return &InterpreterError{Entry: entry, Message: msg, Traceback: strings.TrimSpace(trace)}
}

// hasEntrySignature reports whether def is (i32, i32) -> i64.
func hasEntrySignature(def api.FunctionDefinition) bool {
	params, results := def.ParamTypes(), def.ResultTypes()
	return len(params) == 2 && params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32 &&
		len(results) == 1 && results[0] == api.ValueTypeI64
}
