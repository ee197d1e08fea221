package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger that writes to stdout only when tests run
// verbosely, so failures keep their context without flooding normal runs.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}
	logger := log.New(out, "[test] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
