package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewFormatSelection(t *testing.T) {
	var buf bytes.Buffer
	New("json", slog.LevelInfo, &buf).Info("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	New("text", slog.LevelInfo, &buf).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("text output = %q", buf.String())
	}

	// Unknown formats fall back to text.
	buf.Reset()
	New("yaml", slog.LevelInfo, &buf).Info("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("fallback output = %q", buf.String())
	}
}

func TestNewHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("text", slog.LevelWarn, &buf)
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info logged below level: %q", buf.String())
	}
	l.Warn("loud")
	if buf.Len() == 0 {
		t.Fatal("warn suppressed at warn level")
	}
}

func TestSetReplacesGlobal(t *testing.T) {
	old := L()
	defer Set(old)

	var buf bytes.Buffer
	Set(New("text", slog.LevelInfo, &buf))
	L().Info("through_global")
	if !strings.Contains(buf.String(), "through_global") {
		t.Fatalf("global output = %q", buf.String())
	}

	Set(nil) // ignored
	if L() == nil {
		t.Fatal("Set(nil) cleared the logger")
	}
}
