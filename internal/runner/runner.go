// Package runner provides the Program Runner: it wraps a top-level body
// in signal-aware context cancellation, logs a fatal error if the body
// returns one, and chooses the process exit code.
package runner

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Body is the top-level async body the runner executes. It receives a
// context that is canceled on SIGINT/SIGTERM, giving the body a chance at
// a graceful, best-effort final flush before the process exits.
type Body func(ctx context.Context) error

// Run executes body with signal-aware cancellation. It returns the
// process exit code the caller should pass to os.Exit; it does not call
// os.Exit itself so callers (and tests) retain control of the process.
func Run(body Body) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := body(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// Main is a convenience wrapper for cmd/ entrypoints: Run followed by
// os.Exit with the resulting code.
func Main(body Body) {
	os.Exit(Run(body))
}
