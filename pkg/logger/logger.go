package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

const serviceName = "amplify-wallet"

// New returns the process logger. Local runs get a readable text handler;
// every other environment emits JSON for the log pipeline.
func New(appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if appEnv == "local" || appEnv == "dev" {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if appEnv == "local" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", serviceName, "env", appEnv)
}

type ctxKey struct{}

// With stores a request-scoped logger in ctx.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the request-scoped logger, or fallback when ctx carries none.
// A nil fallback means slog.Default().
func From(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// ShutdownFlush syncs stdout so the last shutdown lines reach the collector.
func ShutdownFlush(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- os.Stdout.Sync() }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
