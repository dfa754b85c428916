package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slot-upload-daemon/internal/store"
)

type fixture struct {
	dir    string
	dbPath string
	ledger *store.Store
	repo   *Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "recording_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	f := &fixture{dir: filepath.Join(tmpDir, "data"), dbPath: filepath.Join(tmpDir, "ledger.db")}
	f.open(t)
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	s, err := store.NewStore(f.dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f.ledger = s
	f.repo = NewRepository(s, f.dir, time.UTC)
}

func (f *fixture) write(t *testing.T, name string, size int) {
	t.Helper()
	p := f.repo.Path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestZeroByteCaptureIsRecordingFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "2025-01-15/raw/14-30.wav"
	f.write(t, name, 0)

	if _, err := f.repo.Register(ctx, name, time.Time{}); err != nil {
		t.Fatal(err)
	}
	rec, err := f.repo.Load(ctx, name)
	if err != nil {
		t.Fatal(err)
	}

	if !rec.IsRecordingFailed() {
		t.Error("Expected zero-byte capture to be a failed recording")
	}
	if rec.CanUpload() || rec.CanForceUpload() {
		t.Error("Zero-byte capture must never be eligible for upload")
	}
	if !errors.Is(rec.CheckUpload(), ErrEmptyFile) {
		t.Errorf("Expected ErrEmptyFile, got %v", rec.CheckUpload())
	}
	want := time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)
	if !rec.CapturedAt.Equal(want) {
		t.Errorf("Expected captured at slot start %s, got %s", want, rec.CapturedAt)
	}
}

func TestLoadUnknownRecordDefaults(t *testing.T) {
	f := newFixture(t)
	name := "2025-01-15/raw/15-00.wav"
	f.write(t, name, 128)

	rec, err := f.repo.Load(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusNotUploaded || rec.UploadAttempts != 0 || rec.LastUploadError != nil {
		t.Errorf("Expected fresh defaults, got %+v", rec)
	}
	if !rec.CanUpload() {
		t.Error("Fresh non-empty capture should be uploadable")
	}
}

func TestNoDoubleUploadUntilForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "2025-01-15/raw/16-00.wav"
	f.write(t, name, 512)

	if _, err := f.repo.MarkUploadFailed(ctx, name, errors.New("status 502")); err != nil {
		t.Fatal(err)
	}
	rec, err := f.repo.MarkUploaded(ctx, name, "https://store/dev/2025-01-15/raw/16-00.wav")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CanUpload() {
		t.Fatal("CanUpload must be false after MarkUploaded")
	}
	if rec.LastUploadError != nil {
		t.Errorf("Expected error cleared on success, got %q", *rec.LastUploadError)
	}
	if !errors.Is(rec.CheckUpload(), ErrAlreadyUploaded) {
		t.Errorf("Expected ErrAlreadyUploaded, got %v", rec.CheckUpload())
	}
	if !rec.CanForceUpload() {
		t.Error("Uploaded capture should still allow a forced re-send")
	}

	rec, err = f.repo.PrepareForceUpload(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.CanUpload() || rec.UploadAttempts != 0 || !rec.IsForced() {
		t.Errorf("Expected forced, eligible record with zero attempts, got %+v", rec)
	}
}

func TestFailureSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "2025-01-15/raw/17-30.wav"
	f.write(t, name, 64)

	if _, err := f.repo.MarkUploadFailed(ctx, name, errors.New("transport failure (status 503)")); err != nil {
		t.Fatal(err)
	}

	// Simulated restart: drop the process state and reopen the ledger file.
	f.ledger.Close()
	f.open(t)

	rec, err := f.repo.Load(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusNotUploaded {
		t.Errorf("Expected NotUploaded after restart, got %s", rec.Status)
	}
	if rec.UploadAttempts != 1 {
		t.Errorf("Expected 1 attempt after restart, got %d", rec.UploadAttempts)
	}
	if rec.LastUploadError == nil || *rec.LastUploadError != "transport failure (status 503)" {
		t.Errorf("Expected error preserved across restart, got %v", rec.LastUploadError)
	}
}

func TestSizeIsAlwaysReadFromDisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "2025-01-15/raw/18-00.wav"
	f.write(t, name, 10)

	rec, _ := f.repo.Load(ctx, name)
	if rec.FileSizeBytes != 10 {
		t.Fatalf("Expected 10 bytes, got %d", rec.FileSizeBytes)
	}

	f.write(t, name, 99)
	rec, _ = f.repo.Load(ctx, name)
	if rec.FileSizeBytes != 99 {
		t.Errorf("Expected rewritten size 99, got %d", rec.FileSizeBytes)
	}

	if err := os.Remove(f.repo.Path(name)); err != nil {
		t.Fatal(err)
	}
	rec, _ = f.repo.Load(ctx, name)
	if rec.FileExists || rec.CanUpload() || rec.IsRecordingFailed() {
		t.Errorf("Removed file must be neither uploadable nor a failed recording: %+v", rec)
	}
	if !errors.Is(rec.CheckForceUpload(), ErrFileMissing) {
		t.Errorf("Expected ErrFileMissing, got %v", rec.CheckForceUpload())
	}
}

func TestResetUploadStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "2025-01-15/raw/19-00.wav"
	f.write(t, name, 10)

	for i := 0; i < 3; i++ {
		f.repo.MarkUploadFailed(ctx, name, errors.New("offline"))
	}
	rec, err := f.repo.ResetUploadStatus(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UploadAttempts != 0 || rec.LastUploadError != nil || rec.Status != StatusNotUploaded {
		t.Errorf("Expected reset record, got %+v", rec)
	}
}

func TestBacklogAndRebuildHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	names := []string{"2025-01-15/raw/09-00.wav", "2025-01-15/raw/09-30.wav", "2025-01-15/raw/10-00.wav"}
	for _, n := range names {
		f.write(t, n, 32)
		f.repo.Register(ctx, n, time.Time{})
	}
	f.write(t, "2025-01-15/raw/10-30.wav", 0)
	f.repo.Register(ctx, "2025-01-15/raw/10-30.wav", time.Time{})

	if _, err := f.repo.MarkUploaded(ctx, names[0], ""); err != nil {
		t.Fatal(err)
	}

	backlog, err := f.repo.Backlog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(backlog) != 2 || backlog[0].FileName != names[1] || backlog[1].FileName != names[2] {
		t.Errorf("Unexpected backlog: %+v", backlog)
	}

	// Lose the history, then rebuild it from the ledger.
	if err := f.ledger.ReplaceHistory(ctx, nil); err != nil {
		t.Fatal(err)
	}
	n, err := f.repo.RebuildHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	hist, _ := f.ledger.History(ctx, 0)
	if n != 1 || len(hist) != 1 || hist[0].FileName != names[0] || hist[0].OriginalDate != "2025-01-15" || hist[0].FileSizeBytes != 32 {
		t.Errorf("Unexpected rebuilt history (n=%d): %+v", n, hist)
	}
}
