package logging_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"sepflow/internal/logging"
)

func TestErrorKeyIsRenamed(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWriter(&buf, slog.LevelInfo)
	log.Error("dispatch failed", "error", errors.New("boom"))
	out := buf.String()
	if !strings.Contains(out, "err=boom") {
		t.Fatalf("expected err key, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := logging.ParseLevel("DEBUG")
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("got %v %v", lvl, err)
	}
	if _, err := logging.ParseLevel("chatty"); err == nil {
		t.Fatalf("expected error")
	}
}
