package websocket

import (
	"io"
	"log/slog"
)

// testLogger returns a [slog.Logger] that discards everything, for use
// by tests that need a non-nil logger but don't care about its output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
