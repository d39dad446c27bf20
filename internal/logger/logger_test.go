package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestColorHandlerWritesMessageAndAttrs(t *testing.T) {
	color.NoColor = true

	var buffer bytes.Buffer
	logger := slog.New(NewColorHandler(&buffer, slog.LevelInfo)).With("session", "s-1")

	logger.Info("device subscribed", "device", "greenhouse-1")

	line := buffer.String()
	for _, expected := range []string{"INFO", "device subscribed", "session=s-1", "device=greenhouse-1"} {
		if !strings.Contains(line, expected) {
			t.Fatalf("expected %q in %q", expected, line)
		}
	}
}

func TestColorHandlerFiltersBelowLevel(t *testing.T) {
	color.NoColor = true

	var buffer bytes.Buffer
	logger := slog.New(NewColorHandler(&buffer, slog.LevelWarn))

	logger.Info("ignored")
	logger.Debug("ignored")

	if buffer.Len() != 0 {
		t.Fatalf("expected no output, got %q", buffer.String())
	}
}

func TestColorHandlerPrefixesGroup(t *testing.T) {
	color.NoColor = true

	var buffer bytes.Buffer
	logger := slog.New(NewColorHandler(&buffer, slog.LevelDebug)).WithGroup("poll")

	logger.Debug("tick", "device", "d-1")

	if !strings.Contains(buffer.String(), "poll.device=d-1") {
		t.Fatalf("expected grouped attribute, got %q", buffer.String())
	}
}
