package waifu2x

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/waifu2x/internal/compute"
)

func TestLoggerDefaultSilent(t *testing.T) {
	if Logger().Enabled(t.Context(), slog.LevelError) {
		t.Error("default logger should be disabled")
	}
}

func TestSetLoggerPropagates(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	SetLogger(l)
	defer SetLogger(nil)

	if Logger() != l {
		t.Error("Logger() did not return the configured logger")
	}
	compute.Logger().Info("from compute")
	if !strings.Contains(buf.String(), "from compute") {
		t.Errorf("compute layer did not log through the configured logger: %q", buf.String())
	}

	SetLogger(nil)
	if compute.Logger().Enabled(t.Context(), slog.LevelError) {
		t.Error("SetLogger(nil) did not silence the compute layer")
	}
}
