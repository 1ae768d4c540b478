package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInit_FileLogging(t *testing.T) {
	dir := t.TempDir()

	if err := Init(Options{DebugDir: dir, Stderr: &bytes.Buffer{}}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("pulled image", "cid", "nginx_1.25")
	Close()

	content, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".jsonl"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `"cid":"nginx_1.25"`) {
		t.Errorf("log file missing attribute, got: %s", content)
	}
}

func TestInit_StderrLevels(t *testing.T) {
	var stderr bytes.Buffer
	if err := Init(Options{Stderr: &stderr}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := stderr.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("debug/info should not reach stderr without Verbose, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("warn/error should reach stderr, got: %s", out)
	}
}

func TestInit_Verbose(t *testing.T) {
	var stderr bytes.Buffer
	if err := Init(Options{Verbose: true, JSONFormat: true, Stderr: &stderr}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Debug("debug message")
	if !strings.Contains(stderr.String(), `"msg":"debug message"`) {
		t.Errorf("expected JSON debug record, got: %s", stderr.String())
	}
}

func TestFileWriter_LatestSymlink(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWriter(dir)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte("{}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dir, "latest"))
	if err != nil {
		t.Fatalf("reading symlink: %v", err)
	}
	if want := time.Now().Format("2006-01-02") + ".jsonl"; target != want {
		t.Errorf("latest -> %q, want %q", target, want)
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()

	old := time.Now().AddDate(0, 0, -10).Format("2006-01-02") + ".jsonl"
	recent := time.Now().Format("2006-01-02") + ".jsonl"
	for _, name := range []string{old, recent, "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	Cleanup(dir, 7)

	if _, err := os.Stat(filepath.Join(dir, old)); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed", old)
	}
	for _, keep := range []string{recent, "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("expected %s to be kept: %v", keep, err)
		}
	}
}
