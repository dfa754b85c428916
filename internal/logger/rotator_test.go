package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogRotatorRotatesAtLimit(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "sud.log")

	rotator := &LogRotator{Filename: logFile, MaxBytes: 100, MaxBackups: 2}

	chunk := []byte(strings.Repeat("a", 60))
	if _, err := rotator.Write(chunk); err != nil {
		t.Fatalf("Write 1 failed: %v", err)
	}
	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 60 {
		t.Errorf("Expected size 60, got %d", info.Size())
	}

	if _, err := rotator.Write(chunk); err != nil {
		t.Fatalf("Write 2 failed: %v", err)
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("Expected 2 files, got %d", len(files))
		for _, f := range files {
			t.Logf("Found: %s", f.Name())
		}
	}

	if _, err := rotator.Write(make([]byte, 101)); err == nil {
		t.Error("Expected oversized write to fail")
	}
}

func TestLogRotatorCleanupKeepsNewest(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "cleanup.log")
	rotator := &LogRotator{Filename: logFile, MaxBytes: 1024, MaxBackups: 2}

	for i := 0; i < 4; i++ {
		ts := time.Now().Add(-time.Duration(i+1) * time.Hour).Format(backupTimeFormat)
		name := fmt.Sprintf("cleanup-%s.log", ts)
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := rotator.Write(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if err := rotator.Rotate(); err != nil {
		t.Fatal(err)
	}
	rotator.Close()

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	// 1 current + 2 backups
	if len(files) != 3 {
		t.Errorf("Expected 3 files, got %d", len(files))
		for _, f := range files {
			t.Logf("Found: %s", f.Name())
		}
	}
}

func TestLogRotatorCompression(t *testing.T) {
	tmpDir := t.TempDir()
	rotator := &LogRotator{Filename: filepath.Join(tmpDir, "compress.log"), MaxBytes: 1024, MaxBackups: 1, Compress: true}

	if _, err := rotator.Write([]byte("some data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := rotator.Rotate(); err != nil {
		t.Fatal(err)
	}
	rotator.Close()

	matches, err := filepath.Glob(filepath.Join(tmpDir, "compress-*.log.gz"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("Expected one compressed backup, got %v (%v)", matches, err)
	}

	gf, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer gf.Close()
	gz, err := gzip.NewReader(gf)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "some data" {
		t.Errorf("Compressed content mismatch. Got '%s', want 'some data'", string(data))
	}
}
