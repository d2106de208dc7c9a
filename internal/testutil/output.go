package testutil

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
)

// CapturedOutput redirects os.Stdout and os.Stderr into buffers until Stop.
type CapturedOutput struct {
	originalStdout *os.File
	originalStderr *os.File
	stdoutW        *os.File
	stderrW        *os.File

	stdout bytes.Buffer
	stderr bytes.Buffer
	wg     sync.WaitGroup
	once   sync.Once
}

// CaptureOutput starts capturing. The streams are restored when the test
// ends even if Stop is never called.
func CaptureOutput(t testing.TB) *CapturedOutput {
	t.Helper()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create stdout pipe: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create stderr pipe: %v", err)
	}

	c := &CapturedOutput{
		originalStdout: os.Stdout,
		originalStderr: os.Stderr,
		stdoutW:        stdoutW,
		stderrW:        stderrW,
	}

	// drain while capturing so large outputs never fill the pipe
	c.wg.Add(2)
	go c.drain(&c.stdout, stdoutR)
	go c.drain(&c.stderr, stderrR)

	os.Stdout = stdoutW
	os.Stderr = stderrW
	t.Cleanup(func() { c.Stop() })
	return c
}

func (c *CapturedOutput) drain(dst *bytes.Buffer, r *os.File) {
	defer c.wg.Done()
	_, _ = io.Copy(dst, r)
	_ = r.Close()
}

// Stop restores the original streams and returns what was written.
func (c *CapturedOutput) Stop() (stdout, stderr string) {
	c.once.Do(func() {
		os.Stdout = c.originalStdout
		os.Stderr = c.originalStderr
		_ = c.stdoutW.Close()
		_ = c.stderrW.Close()
		c.wg.Wait()
	})
	return c.stdout.String(), c.stderr.String()
}
