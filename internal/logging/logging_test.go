package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesToConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Console: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Named("ssh").Info("connected", zap.String("addr", "h:22"))
	l.Debug("hidden")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "connected") || !strings.Contains(out, "h:22") || !strings.Contains(out, "ssh") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written at info level")
	}
}

func TestNewDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Development: true, Console: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("visible")
	l.Close()
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug entry missing: %q", buf.String())
	}
}

func TestNewFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "smartshell.log")
	var console bytes.Buffer
	l, err := New(Config{Level: "info", File: path, MaxSizeMB: 1, Console: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Warn("to file", zap.Int("n", 7))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"msg":"to file"`) || !strings.Contains(line, `"n":7`) {
		t.Errorf("unexpected file content %q", line)
	}
}

func TestNewInvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" || cfg.File != "" {
		t.Errorf("unexpected default %+v", cfg)
	}
}
