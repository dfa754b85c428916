package recording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"slot-upload-daemon/internal/slot"
	"slot-upload-daemon/internal/store"
)

// Ledger is the subset of the store the repository needs.
type Ledger interface {
	Get(ctx context.Context, fileName string) (store.Entry, error)
	Insert(ctx context.Context, e store.Entry) (bool, error)
	Update(ctx context.Context, fileName string, fn func(e *store.Entry) error) (store.Entry, error)
	UpdateWithHistory(ctx context.Context, fileName string, fn func(e *store.Entry) error, h store.HistoryEntry) (store.Entry, error)
	GetAll(ctx context.Context) ([]store.Entry, error)
	ReplaceHistory(ctx context.Context, entries []store.HistoryEntry) error
}

// Repository loads recordings and applies their status transitions.
// Every mutation is a single atomic ledger update that is durable before
// the method returns.
type Repository struct {
	ledger   Ledger
	dataRoot string
	loc      *time.Location
	now      func() time.Time
}

// NewRepository creates a repository for captures stored under dataRoot.
// loc is the data owner's timezone, used to date captures.
func NewRepository(ledger Ledger, dataRoot string, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{ledger: ledger, dataRoot: dataRoot, loc: loc, now: time.Now}
}

// Path returns the absolute location of a capture on disk.
func (r *Repository) Path(fileName string) string {
	return filepath.Join(r.dataRoot, filepath.FromSlash(fileName))
}

// Location returns the timezone captures are dated in.
func (r *Repository) Location() *time.Location {
	return r.loc
}

// Load returns the current view of fileName. Status fields come from the
// ledger (defaults if absent); the size always comes from the filesystem,
// because the file may have been removed or rewritten behind our back.
func (r *Repository) Load(ctx context.Context, fileName string) (Record, error) {
	e, err := r.ledger.Get(ctx, fileName)
	if errors.Is(err, store.ErrNotFound) {
		e = store.Entry{FileName: fileName}
	} else if err != nil {
		return Record{}, fmt.Errorf("load %s: %w", fileName, err)
	}
	return r.fromEntry(e)
}

// Register records a finished capture. It is idempotent: an existing entry,
// whatever its status, is kept.
func (r *Repository) Register(ctx context.Context, fileName string, capturedAt time.Time) (bool, error) {
	e := store.Entry{FileName: fileName}
	if !capturedAt.IsZero() {
		e.CapturedAt = sql.NullTime{Time: capturedAt, Valid: true}
	}
	created, err := r.ledger.Insert(ctx, e)
	if err != nil {
		return false, fmt.Errorf("register %s: %w", fileName, err)
	}
	return created, nil
}

// MarkUploaded flips the record to uploaded, clears its error and appends a
// history entry, all in one committed transaction. Once this returns nil the
// record is never uploaded again by the automatic path.
func (r *Repository) MarkUploaded(ctx context.Context, fileName, remoteURL string) (Record, error) {
	now := r.now()
	size, _ := r.stat(fileName)

	h := store.HistoryEntry{
		FileSizeBytes: size,
		OriginalDate:  r.originalDate(fileName, now),
		UploadedAt:    now,
	}
	e, err := r.ledger.UpdateWithHistory(ctx, fileName, func(e *store.Entry) error {
		e.IsUploaded = true
		e.LastUploadError = sql.NullString{}
		e.UploadedAt = sql.NullTime{Time: now, Valid: true}
		e.RemoteURL = sql.NullString{String: remoteURL, Valid: remoteURL != ""}
		return nil
	}, h)
	if err != nil {
		return Record{}, fmt.Errorf("mark %s uploaded: %w", fileName, err)
	}
	return r.fromEntry(e)
}

// MarkUploadFailed keeps the record pending, counts the attempt and stores
// the cause for diagnostics.
func (r *Repository) MarkUploadFailed(ctx context.Context, fileName string, cause error) (Record, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	e, err := r.ledger.Update(ctx, fileName, func(e *store.Entry) error {
		e.IsUploaded = false
		e.UploadAttempts++
		e.LastUploadError = sql.NullString{String: msg, Valid: true}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("mark %s failed: %w", fileName, err)
	}
	return r.fromEntry(e)
}

// PrepareForceUpload is the only way to make an uploaded record eligible
// again. It must only be reached from an explicit user action.
func (r *Repository) PrepareForceUpload(ctx context.Context, fileName string) (Record, error) {
	e, err := r.ledger.Update(ctx, fileName, func(e *store.Entry) error {
		e.IsUploaded = false
		e.UploadAttempts = 0
		e.LastUploadError = sql.NullString{String: ForcedUploadMarker, Valid: true}
		e.UploadedAt = sql.NullTime{}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("prepare force upload of %s: %w", fileName, err)
	}
	return r.fromEntry(e)
}

// ResetUploadStatus clears attempts and error on user request.
func (r *Repository) ResetUploadStatus(ctx context.Context, fileName string) (Record, error) {
	e, err := r.ledger.Update(ctx, fileName, func(e *store.Entry) error {
		e.IsUploaded = false
		e.UploadAttempts = 0
		e.LastUploadError = sql.NullString{}
		e.UploadedAt = sql.NullTime{}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("reset %s: %w", fileName, err)
	}
	return r.fromEntry(e)
}

// List loads every recording known to the ledger.
func (r *Repository) List(ctx context.Context) ([]Record, error) {
	entries, err := r.ledger.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec, err := r.fromEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Backlog returns the recordings the automatic path may upload right now.
func (r *Repository) Backlog(ctx context.Context) ([]Record, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var backlog []Record
	for _, rec := range all {
		if rec.CanUpload() {
			backlog = append(backlog, rec)
		}
	}
	return backlog, nil
}

// RebuildHistory regenerates the upload history from uploaded ledger
// entries and returns how many were written.
func (r *Repository) RebuildHistory(ctx context.Context) (int, error) {
	entries, err := r.ledger.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild history: %w", err)
	}

	var hist []store.HistoryEntry
	for _, e := range entries {
		if !e.IsUploaded {
			continue
		}
		at := e.UpdatedAt
		if e.UploadedAt.Valid {
			at = e.UploadedAt.Time
		}
		size, _ := r.stat(e.FileName)
		hist = append(hist, store.HistoryEntry{
			FileName:      e.FileName,
			FileSizeBytes: size,
			OriginalDate:  r.originalDate(e.FileName, at),
			UploadedAt:    at,
		})
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].UploadedAt.Before(hist[j].UploadedAt) })

	if err := r.ledger.ReplaceHistory(ctx, hist); err != nil {
		return 0, fmt.Errorf("rebuild history: %w", err)
	}
	return len(hist), nil
}

func (r *Repository) fromEntry(e store.Entry) (Record, error) {
	rec := Record{
		FileName:       e.FileName,
		Status:         StatusNotUploaded,
		UploadAttempts: e.UploadAttempts,
	}
	if e.IsUploaded {
		rec.Status = StatusUploaded
	}
	if e.LastUploadError.Valid {
		msg := e.LastUploadError.String
		rec.LastUploadError = &msg
	}
	if e.UploadedAt.Valid {
		at := e.UploadedAt.Time.In(r.loc)
		rec.UploadedAt = &at
	}
	rec.RemoteURL = e.RemoteURL.String

	if id, err := slot.Parse(e.FileName); err == nil {
		rec.Slot = id
	}

	size, exists := r.stat(e.FileName)
	rec.FileSizeBytes = size
	rec.FileExists = exists

	switch {
	case e.CapturedAt.Valid:
		rec.CapturedAt = e.CapturedAt.Time.In(r.loc)
	case rec.Slot.Date != "":
		if start, err := rec.Slot.Start(r.loc); err == nil {
			rec.CapturedAt = start
		}
	}
	return rec, nil
}

func (r *Repository) stat(fileName string) (int64, bool) {
	info, err := os.Stat(r.Path(fileName))
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

func (r *Repository) originalDate(fileName string, fallback time.Time) string {
	if id, err := slot.Parse(fileName); err == nil {
		return id.Date
	}
	return fallback.In(r.loc).Format("2006-01-02")
}
