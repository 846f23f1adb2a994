package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("worker started", "port", 8000)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "hostd.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log entry is not valid JSON: %v", err)
	}

	if entry["msg"] != "worker started" {
		t.Errorf("Expected msg 'worker started', got %v", entry["msg"])
	}
	if entry["port"] != float64(8000) {
		t.Errorf("Expected port 8000, got %v", entry["port"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Debug("should be filtered")
	logger.Info("should be filtered too")
	logger.Warn("should appear")
	logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, "hostd.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "filtered") {
		t.Errorf("Log should not contain filtered messages, got: %s", content)
	}
	if !strings.Contains(content, "should appear") {
		t.Errorf("Log should contain WARN message, got: %s", content)
	}
}

func TestLogger_WithComponent(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithComponent("supervisor").WithAttempt("a-1")
	child.Info("stopping worker")
	logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, "hostd.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log entry is not valid JSON: %v", err)
	}

	if entry["component"] != "supervisor" {
		t.Errorf("Expected component 'supervisor', got %v", entry["component"])
	}
	if entry["attempt_id"] != "a-1" {
		t.Errorf("Expected attempt_id 'a-1', got %v", entry["attempt_id"])
	}
}

func TestNopLogger_DiscardsOutput(t *testing.T) {
	logger := NopLogger()

	// Must not panic and must be safe without a backing file.
	logger.Info("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close on NopLogger should not error, got: %v", err)
	}
}

func TestParseLevel_UnknownDefaultsToInfo(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"ERROR", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		got := parseLevel(tt.input)
		want := parseLevel(tt.want)
		if got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, want)
		}
	}
}
