package store

import (
	"context"
	"fmt"
	"time"
)

// HistoryEntry is one successful upload event. History is informational:
// upload eligibility is always decided from the ledger entry.
type HistoryEntry struct {
	ID            int64
	FileName      string
	FileSizeBytes int64
	OriginalDate  string
	UploadedAt    time.Time
}

func appendHistory(ctx context.Context, q querier, h HistoryEntry) error {
	if h.UploadedAt.IsZero() {
		h.UploadedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO upload_history (file_name, file_size_bytes, original_date, uploaded_at)
	VALUES (?, ?, ?, ?)`, h.FileName, h.FileSizeBytes, h.OriginalDate, h.UploadedAt.UTC())
	return err
}

// History returns up to limit entries, newest upload first.
// A limit <= 0 returns everything.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, file_name, file_size_bytes, original_date, uploaded_at
	FROM upload_history
	ORDER BY uploaded_at DESC, id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.FileName, &h.FileSizeBytes, &h.OriginalDate, &h.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReplaceHistory discards the history and writes entries in its place.
// It is how a lost or corrupted history is rebuilt from the ledger.
func (s *Store) ReplaceHistory(ctx context.Context, entries []HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for _, h := range entries {
		if err := appendHistory(ctx, tx, h); err != nil {
			return fmt.Errorf("rebuild history for %s: %w", h.FileName, err)
		}
	}
	return tx.Commit()
}
