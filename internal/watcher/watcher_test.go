package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherDebounce(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "watcher_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	rawDir := filepath.Join(tmpDir, "2025-03-14", "raw")
	if err := os.MkdirAll(rawDir, 0755); err != nil {
		t.Fatal(err)
	}

	var callbackCount int32
	callbackCh := make(chan string, 10)

	onFile := func(name string) {
		atomic.AddInt32(&callbackCount, 1)
		callbackCh <- name
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	debounce := 200 * time.Millisecond

	w, err := NewWatcher(tmpDir, debounce, onFile, logger)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	time.Sleep(100 * time.Millisecond)

	// Simulating a slow write: Create + Write + Write
	f, err := os.Create(filepath.Join(rawDir, "09-30.wav"))
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("part1")
	f.Sync()
	time.Sleep(50 * time.Millisecond)
	f.WriteString("part2")
	f.Sync()
	time.Sleep(50 * time.Millisecond)
	f.WriteString("part3")
	f.Sync()
	f.Close()

	select {
	case name := <-callbackCh:
		if name != "2025-03-14/raw/09-30.wav" {
			t.Errorf("Expected slot file name, got %s", name)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for callback")
	}

	time.Sleep(300 * time.Millisecond)

	count := atomic.LoadInt32(&callbackCount)
	if count != 1 {
		t.Errorf("Expected callback count 1, got %d. Debounce might not be working.", count)
	}
}

func TestWatcherIgnoresPartialAndForeignFiles(t *testing.T) {
	tmpDir := t.TempDir()
	callbackCh := make(chan string, 10)

	w, err := NewWatcher(tmpDir, 50*time.Millisecond, func(name string) { callbackCh <- name }, nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	rawDir := filepath.Join(tmpDir, "2025-03-14", "raw")
	if err := os.MkdirAll(rawDir, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	for _, name := range []string{"10-00.wav.partial", "notes.txt", "10-15.wav"} {
		if err := os.WriteFile(filepath.Join(rawDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	// A finished capture renamed into place.
	if err := os.Rename(filepath.Join(rawDir, "10-00.wav.partial"), filepath.Join(rawDir, "10-00.wav")); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-callbackCh:
		if name != "2025-03-14/raw/10-00.wav" {
			t.Errorf("Unexpected callback for %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for callback")
	}

	select {
	case name := <-callbackCh:
		t.Errorf("Unexpected extra callback for %s", name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestScanFindsSlotFiles(t *testing.T) {
	tmpDir := t.TempDir()
	files := []string{
		"2025-03-14/raw/09-00.wav",
		"2025-03-14/raw/09-30.wav",
		"2025-03-15/raw/00-00.wav",
		"2025-03-15/raw/00-30.wav.partial",
		"2025-03-15/other.txt",
	}
	for _, f := range files {
		p := filepath.Join(tmpDir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var found []string
	if err := Scan(tmpDir, func(name string) { found = append(found, name) }); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	sort.Strings(found)

	expected := []string{"2025-03-14/raw/09-00.wav", "2025-03-14/raw/09-30.wav", "2025-03-15/raw/00-00.wav"}
	if len(found) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, found)
	}
	for i := range expected {
		if found[i] != expected[i] {
			t.Errorf("Expected %s, got %s", expected[i], found[i])
		}
	}

	if err := Scan(filepath.Join(tmpDir, "missing"), func(string) {}); err != nil {
		t.Errorf("Expected missing root to be ignored, got %v", err)
	}
}
