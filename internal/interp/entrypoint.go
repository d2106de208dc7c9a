package interp

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dorcha-inc/burrow/internal/core"
)

// EntryPoint is a parsed dotted identifier such as "app.schema.Schema": the
// last segment names a guest export, the rest a module under the app dir.
type EntryPoint struct {
	Module string
	Export string
}

// ParseEntryPoint splits identifier into module and export.
func ParseEntryPoint(identifier string) (EntryPoint, error) {
	i := strings.LastIndex(identifier, ".")
	if i <= 0 || i == len(identifier)-1 {
		return EntryPoint{}, core.NewError(core.KindEntryPointResolution, "resolve",
			"invalid entry point %q: expected module.Export", identifier)
	}
	ep := EntryPoint{Module: identifier[:i], Export: identifier[i+1:]}
	for _, part := range strings.Split(ep.Module, ".") {
		if part == "" || part == ".." || strings.ContainsAny(part, `/\`) {
			return EntryPoint{}, core.NewError(core.KindEntryPointResolution, "resolve",
				"invalid entry point %q: bad module segment %q", identifier, part)
		}
	}
	return ep, nil
}

func (e EntryPoint) String() string {
	return e.Module + "." + e.Export
}

// Path returns the module file backing the entry point.
func (e EntryPoint) Path(appDir string) string {
	return filepath.Join(appDir, filepath.FromSlash(strings.ReplaceAll(e.Module, ".", "/"))+".wasm")
}

// InterpreterError is a failure raised by guest code: an error reply, a trap
// or a timeout. Traceback holds whatever context the guest or engine gave.
type InterpreterError struct {
	Entry     string
	Message   string
	Traceback string
}

func (e *InterpreterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Entry, e.Message)
}

// ErrorKind classifies the error for core.KindOf.
func (e *InterpreterError) ErrorKind() core.Kind {
	return core.KindInterpreter
}

// Is matches core.ErrInterpreter.
func (e *InterpreterError) Is(target error) bool {
	return target == core.ErrInterpreter
}
