package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "store_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	dbPath := filepath.Join(tmpDir, "ledger.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func TestGetMissingEntry(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "2025-01-15/raw/14-30.wav")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStartsFromZeroEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	name := "2025-01-15/raw/14-30.wav"

	e, err := s.Update(ctx, name, func(e *Entry) error {
		if e.IsUploaded || e.UploadAttempts != 0 || e.LastUploadError.Valid {
			t.Errorf("Expected zero entry, got %+v", e)
		}
		e.UploadAttempts++
		e.LastUploadError = sql.NullString{String: "status 503", Valid: true}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if e.FileName != name || e.UploadAttempts != 1 {
		t.Errorf("Unexpected entry after update: %+v", e)
	}

	got, err := s.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UploadAttempts != 1 || got.LastUploadError.String != "status 503" {
		t.Errorf("Persisted entry mismatch: %+v", got)
	}
}

func TestUpdateCallbackErrorWritesNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	name := "2025-01-15/raw/15-00.wav"

	boom := errors.New("refused")
	_, err := s.Update(ctx, name, func(e *Entry) error {
		e.IsUploaded = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected callback error, got %v", err)
	}
	if _, err := s.Get(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no entry after failed update, got %v", err)
	}
}

func TestConcurrentUpdatesSameKeySerialize(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	name := "2025-01-15/raw/16-00.wav"

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, name, func(e *Entry) error {
				e.UploadAttempts++
				return nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent update failed: %v", err)
	}

	got, err := s.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UploadAttempts != workers {
		t.Errorf("Expected %d attempts (no lost updates), got %d", workers, got.UploadAttempts)
	}
}

func TestReopenRecoversCommittedState(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Update(ctx, "a.wav", func(e *Entry) error {
		e.UploadAttempts = 2
		e.LastUploadError = sql.NullString{String: "timeout", Valid: true}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateWithHistory(ctx, "b.wav", func(e *Entry) error {
		e.IsUploaded = true
		return nil
	}, HistoryEntry{FileSizeBytes: 10, OriginalDate: "2025-01-15"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a := snap["a.wav"]
	if a.IsUploaded || a.UploadAttempts != 2 || a.LastUploadError == nil || *a.LastUploadError != "timeout" {
		t.Errorf("a.wav not recovered exactly: %+v", a)
	}
	b := snap["b.wav"]
	if !b.IsUploaded || b.LastUploadError != nil {
		t.Errorf("b.wav not recovered exactly: %+v", b)
	}

	hist, err := reopened.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].FileName != "b.wav" {
		t.Errorf("Expected one history row for b.wav, got %+v", hist)
	}
}

func TestInsertKeepsExistingEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	name := "2025-01-15/raw/17-00.wav"

	created, err := s.Insert(ctx, Entry{FileName: name})
	if err != nil || !created {
		t.Fatalf("Expected first insert to create, got created=%v err=%v", created, err)
	}
	if _, err := s.Update(ctx, name, func(e *Entry) error {
		e.IsUploaded = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	created, err = s.Insert(ctx, Entry{FileName: name})
	if err != nil || created {
		t.Fatalf("Expected second insert to be a no-op, got created=%v err=%v", created, err)
	}
	got, _ := s.Get(ctx, name)
	if !got.IsUploaded {
		t.Error("Insert overwrote an existing uploaded entry")
	}
}

func TestOpensLegacySchema(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "store_legacy")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)
	dbPath := filepath.Join(tmpDir, "ledger.db")

	// First-generation schema without any of the additive columns.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`
	CREATE TABLE recordings (
		file_name TEXT PRIMARY KEY,
		is_uploaded INTEGER NOT NULL DEFAULT 0,
		upload_attempts INTEGER NOT NULL DEFAULT 0,
		last_upload_error TEXT
	);
	INSERT INTO recordings (file_name, is_uploaded, upload_attempts, last_upload_error)
	VALUES ('old.wav', 1, 3, NULL);`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open legacy ledger: %v", err)
	}
	defer s.Close()

	got, err := s.Get(context.Background(), "old.wav")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsUploaded || got.UploadAttempts != 3 || got.CapturedAt.Valid {
		t.Errorf("Legacy row not preserved: %+v", got)
	}
}

func TestHistoryNewestFirstAndReplace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"a.wav", "b.wav", "c.wav"} {
		at := base.Add(time.Duration(i) * time.Hour)
		if _, err := s.UpdateWithHistory(ctx, name, func(e *Entry) error {
			e.IsUploaded = true
			return nil
		}, HistoryEntry{FileSizeBytes: int64(i + 1), OriginalDate: "2025-01-15", UploadedAt: at}); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := s.History(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].FileName != "c.wav" || hist[1].FileName != "b.wav" {
		t.Fatalf("Expected [c.wav b.wav], got %+v", hist)
	}

	if err := s.ReplaceHistory(ctx, []HistoryEntry{{FileName: "a.wav", OriginalDate: "2025-01-15", UploadedAt: base}}); err != nil {
		t.Fatal(err)
	}
	hist, _ = s.History(ctx, 0)
	if len(hist) != 1 || hist[0].FileName != "a.wav" {
		t.Errorf("Expected rebuilt history [a.wav], got %+v", hist)
	}
}

func TestGetUploadedOldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	put := func(name string, uploaded bool, at time.Time) {
		if err := s.Put(ctx, Entry{FileName: name, IsUploaded: uploaded, CapturedAt: sql.NullTime{Time: at, Valid: true}}); err != nil {
			t.Fatal(err)
		}
	}
	put("new.wav", true, base.Add(2*time.Hour))
	put("old.wav", true, base)
	put("pending.wav", false, base.Add(-time.Hour))

	got, err := s.GetUploaded(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].FileName != "old.wav" || got[1].FileName != "new.wav" {
		t.Errorf("Expected [old.wav new.wav], got %+v", got)
	}
}
