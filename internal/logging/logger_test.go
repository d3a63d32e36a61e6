package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerCreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := NewLogger(dir, false)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Sync()

	logger.Info("probe_ok")
	logger.Sync()

	if _, err := os.Stat(filepath.Join(dir, "sitewatch.log")); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestNewLoggerDebugLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug logger must enable debug level")
	}
}
