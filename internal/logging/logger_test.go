package logging

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, closer := NewLogger("info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, closer := NewLogger("debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DefaultFormat(t *testing.T) {
	// Formato desconhecido deve cair no default (JSON)
	logger, closer := NewLogger("info", "unknown", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, closer := NewLogger(level, "json", "")
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
		closer.Close()
	}
}

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, closer := NewLogger("info", "json", path)

	logger.Info("file sink message")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink message") {
		t.Errorf("message missing from log file: %s", data)
	}
}

func TestNewLogger_CreatesParentDirWithTightPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".terminox", "agent.log")
	logger, closer := NewLogger("info", "json", path)
	logger.Info("nested sink")
	closer.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("log file was not created: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
		t.Errorf("log file perms = %o, want 0600", info.Mode().Perm())
	}
}
