package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"camgate/internal/logging"
)

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "camgated.log")

	logger, err := logging.New(logging.Options{
		Level:       "debug",
		Format:      "console",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	logger.Info("segment mapped",
		logging.String(logging.FieldSegment, "camgate-rgb"),
		logging.Int("size", 2764800),
	)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "segment mapped") {
		t.Fatalf("log output missing message: %q", out)
	}
	if !strings.Contains(out, "segment=camgate-rgb") {
		t.Fatalf("log output missing attr: %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestComponentLoggerTagsLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "out.log")
	base, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	logging.NewComponentLogger(base, "producer").Info("capture loop started")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[producer]") {
		t.Fatalf("expected component tag in output: %q", string(data))
	}
}

func TestCleanupOldLogsPrunesExpired(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "camgated-old.log")
	newPath := filepath.Join(dir, "camgated-new.log")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	stale := time.Now().AddDate(0, 0, -10)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	logging.CleanupOldLogs(logging.NewNop(), 7,
		logging.RetentionTarget{Dir: dir, Pattern: "camgated-*.log", Exclude: []string{newPath}},
	)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old log pruned, stat err=%v", err)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("expected new log kept: %v", err)
	}
}
