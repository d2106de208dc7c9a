// Package tui provides terminal output for the burrow CLI.
// It detects terminal capabilities and disables styling when piping or redirecting.
//
// The package is script-friendly:
//   - Success messages only appear when stderr is a TTY
//   - Colors are disabled when piping or when NO_COLOR is set
//   - Escape sequences coming from guest code are stripped when colors are off
//
// Environment Variables:
//   - NO_COLOR or BURROW_NO_COLOR: Disable colors (respects https://no-color.org/)
//   - TERM=dumb: Disable colors
//   - BURROW_QUIET: Disable informational output
package tui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/interp"
)

var (
	colorRed   = lipgloss.ANSIColor(1)
	colorGreen = lipgloss.ANSIColor(2)
	colorGray  = lipgloss.ANSIColor(8)
)

// UI writes user-facing output with automatic TTY detection
type UI struct {
	stdout io.Writer
	stderr io.Writer

	stdoutIsTTY  bool
	stderrIsTTY  bool
	colorEnabled bool
	quiet        bool

	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
	dimStyle     lipgloss.Style
}

var defaultUI = New()

// New creates a UI on the process's stdout and stderr.
func New() *UI {
	return NewWithWriters(os.Stdout, os.Stderr)
}

// NewWithWriters creates a UI on the given writers. Writers that are not
// terminals never get styled output.
func NewWithWriters(stdout, stderr io.Writer) *UI {
	stdoutIsTTY := IsTerminal(stdout)
	stderrIsTTY := IsTerminal(stderr)

	// styles go to stderr, so colors follow stderr even when stdout is piped
	renderer := lipgloss.NewRenderer(stderr)

	return &UI{
		stdout:       stdout,
		stderr:       stderr,
		stdoutIsTTY:  stdoutIsTTY,
		stderrIsTTY:  stderrIsTTY,
		colorEnabled: stderrIsTTY && !isColorDisabled(),
		quiet:        isQuiet(),
		errorStyle:   lipgloss.NewStyle().Renderer(renderer).Foreground(colorRed).Bold(true),
		successStyle: lipgloss.NewStyle().Renderer(renderer).Foreground(colorGreen).Bold(true),
		dimStyle:     lipgloss.NewStyle().Renderer(renderer).Foreground(colorGray),
	}
}

// IsTerminal reports whether w is a file connected to a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// isQuiet checks if informational output is disabled via BURROW_QUIET
func isQuiet() bool {
	val := os.Getenv(core.EnvPrefix + "_QUIET")
	if val == "" {
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return true
}

// isColorDisabled checks if colors are explicitly disabled
func isColorDisabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	if os.Getenv(core.EnvPrefix+"_NO_COLOR") != "" {
		return true
	}
	return os.Getenv("TERM") == "dumb"
}

func (u *UI) ColorEnabled() bool {
	return u.colorEnabled
}

func (u *UI) StdoutIsTTY() bool {
	return u.stdoutIsTTY
}

func (u *UI) StderrIsTTY() bool {
	return u.stderrIsTTY
}

func (u *UI) Stdout() io.Writer {
	return u.stdout
}

func (u *UI) Stderr() io.Writer {
	return u.stderr
}

func (u *UI) style(s lipgloss.Style, text string) string {
	if !u.colorEnabled {
		return text
	}
	return s.Render(text)
}

// sanitize strips escape sequences from text we did not produce when the
// output cannot show them.
func (u *UI) sanitize(text string) string {
	if u.colorEnabled {
		return text
	}
	return ansi.Strip(text)
}

// RenderError formats err as "error[<Kind>]: message". Interpreter errors
// carry their guest traceback on the following lines.
func (u *UI) RenderError(err error) string {
	kind := core.KindOf(err)
	if kind == core.KindUnknown {
		kind = "Error"
	}

	message := err.Error()
	traceback := ""
	var ierr *interp.InterpreterError
	if errors.As(err, &ierr) {
		message = ierr.Message
		traceback = ierr.Traceback
	}

	var b strings.Builder
	b.WriteString(u.style(u.errorStyle, fmt.Sprintf("error[%s]", kind)))
	b.WriteString(": ")
	b.WriteString(u.sanitize(message))
	if traceback != "" {
		b.WriteString("\n")
		b.WriteString(u.style(u.dimStyle, u.sanitize(strings.TrimRight(traceback, "\n"))))
	}
	return b.String()
}

// Error prints err to stderr
func (u *UI) Error(err error) {
	core.MustFprintf(u.stderr, "%s\n", u.RenderError(err))
}

// Info prints an informational message to stderr unless BURROW_QUIET is set
func (u *UI) Info(format string, args ...any) {
	if u.quiet {
		return
	}
	core.MustFprintf(u.stderr, format, args...)
}

// Success prints a checkmarked message when stderr is a terminal
func (u *UI) Success(message string) {
	if u.quiet || !u.stderrIsTTY {
		return
	}
	core.MustFprintf(u.stderr, "%s %s\n", u.style(u.successStyle, "✓"), message)
}

// Print writes command output to stdout
func (u *UI) Print(format string, args ...any) {
	core.MustFprintf(u.stdout, format, args...)
}

// Default returns the default UI instance
func Default() *UI {
	return defaultUI
}

// Reset recreates the default UI instance (useful for testing)
func Reset() {
	defaultUI = New()
}

// Convenience functions that use the default UI instance

func RenderError(err error) string {
	return defaultUI.RenderError(err)
}

func Error(err error) {
	defaultUI.Error(err)
}

func Info(format string, args ...any) {
	defaultUI.Info(format, args...)
}

func Success(message string) {
	defaultUI.Success(message)
}
