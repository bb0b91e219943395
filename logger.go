package waifu2x

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/waifu2x/internal/compute"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger configures the logger for waifu2x and its compute backends.
// By default, waifu2x produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by waifu2x:
//   - [slog.LevelDebug]: per-frame and per-tile diagnostics
//   - [slog.LevelInfo]: device open/close, model load
//   - [slog.LevelWarn]: non-fatal issues (resource release errors)
//
// Example:
//
//	waifu2x.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
	compute.SetLogger(l)
}

// Logger returns the current logger used by waifu2x.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
