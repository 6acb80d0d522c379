package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Warn("heads up", "conn", 3)

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("debug message leaked through at Warn level: %q", out)
	}
	if !strings.Contains(out, "[WARN]") || !strings.Contains(out, "heads up") || !strings.Contains(out, "conn=3") {
		t.Errorf("unexpected warn output: %q", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	l := Default()
	if l == nil {
		t.Fatal("Default() returned nil")
	}
	if Default() != l {
		t.Error("Default() should return the same instance")
	}
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	defer SetDefault(NewLogger(nil))

	Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("SetDefault logger did not receive message: %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelError, Output: &buf})
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	out := buf.String()
	if strings.Contains(out, "[DEBUG]") || strings.Contains(out, "[INFO]") || strings.Contains(out, "[WARN]") {
		t.Errorf("lower-level lines should have been filtered, got %q", out)
	}
	if !strings.Contains(out, "[ERROR]") {
		t.Errorf("expected error line, got %q", out)
	}
}
