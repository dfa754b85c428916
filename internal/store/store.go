package store

// Package store is the recording ledger: a durable key-value mapping from a
// slot file name to its upload status, backed by SQLite.
// Every mutation is a read-modify-write inside one SQL transaction, serialised
// per key, so a restart always sees exactly the last committed state.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no ledger entry exists for a file name.
var ErrNotFound = errors.New("ledger entry not found")

// Entry is the persisted upload state of one recording.
// File size is deliberately absent: it is always read from the filesystem.
type Entry struct {
	FileName        string
	IsUploaded      bool
	UploadAttempts  int
	LastUploadError sql.NullString
	CapturedAt      sql.NullTime
	UploadedAt      sql.NullTime
	RemoteURL       sql.NullString
	UpdatedAt       time.Time
}

// Status is the exported ledger shape, keyed by file name.
type Status struct {
	IsUploaded      bool    `json:"isUploaded"`
	UploadAttempts  int     `json:"uploadAttempts"`
	LastUploadError *string `json:"lastUploadError"`
}

// Store wraps the SQL database connection.
type Store struct {
	db    *sql.DB
	locks keyLocks
}

// NewStore opens (or creates) the ledger database at dbPath.
// WAL journaling with synchronous=FULL makes a committed transaction durable
// before Commit returns.
func NewStore(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_time_format=sqlite" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, locks: keyLocks{locks: make(map[string]*keyLock)}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// additiveColumns are columns added after the first schema. Columns are only
// ever added, never renamed or dropped, so any older database opens as is.
var additiveColumns = []struct {
	name string
	decl string
}{
	{"captured_at", "DATETIME"},
	{"uploaded_at", "DATETIME"},
	{"remote_url", "TEXT"},
	{"updated_at", "DATETIME"},
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS recordings (
		file_name TEXT PRIMARY KEY,
		is_uploaded INTEGER NOT NULL DEFAULT 0,
		upload_attempts INTEGER NOT NULL DEFAULT 0,
		last_upload_error TEXT
	);
	CREATE TABLE IF NOT EXISTS upload_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL,
		original_date TEXT NOT NULL,
		uploaded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_uploaded_at ON upload_history(uploaded_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}

	existing, err := s.columns("recordings")
	if err != nil {
		return err
	}
	for _, c := range additiveColumns {
		if existing[c.name] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE recordings ADD COLUMN %s %s", c.name, c.decl)); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_recordings_uploaded ON recordings(is_uploaded, captured_at)`)
	return err
}

func (s *Store) columns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

const entryColumns = `file_name, is_uploaded, upload_attempts, last_upload_error, captured_at, uploaded_at, remote_url, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		uploaded  int
		updatedAt sql.NullTime
	)
	err := row.Scan(&e.FileName, &uploaded, &e.UploadAttempts, &e.LastUploadError,
		&e.CapturedAt, &e.UploadedAt, &e.RemoteURL, &updatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.IsUploaded = uploaded != 0
	e.UpdatedAt = updatedAt.Time
	return e, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getEntry(ctx context.Context, q querier, fileName string) (Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM recordings WHERE file_name = ?`, fileName)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func putEntry(ctx context.Context, q querier, e Entry) error {
	query := `
	INSERT INTO recordings (` + entryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_name) DO UPDATE SET
		is_uploaded = excluded.is_uploaded,
		upload_attempts = excluded.upload_attempts,
		last_upload_error = excluded.last_upload_error,
		captured_at = excluded.captured_at,
		uploaded_at = excluded.uploaded_at,
		remote_url = excluded.remote_url,
		updated_at = excluded.updated_at;
	`
	_, err := q.ExecContext(ctx, query, e.FileName, boolInt(e.IsUploaded), e.UploadAttempts,
		e.LastUploadError, utcNull(e.CapturedAt), utcNull(e.UploadedAt), e.RemoteURL, e.UpdatedAt.UTC())
	return err
}

// Get returns the entry for fileName, or ErrNotFound.
func (s *Store) Get(ctx context.Context, fileName string) (Entry, error) {
	return getEntry(ctx, s.db, fileName)
}

// Put writes e as the entry for e.FileName. Last write wins.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.FileName == "" {
		return errors.New("ledger entry without file name")
	}
	unlock := s.locks.lock(e.FileName)
	defer unlock()

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	return putEntry(ctx, s.db, e)
}

// Insert creates an entry if none exists for e.FileName and reports whether
// it did. An existing entry is left untouched.
func (s *Store) Insert(ctx context.Context, e Entry) (bool, error) {
	if e.FileName == "" {
		return false, errors.New("ledger entry without file name")
	}
	unlock := s.locks.lock(e.FileName)
	defer unlock()

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO recordings (`+entryColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_name) DO NOTHING;
	`, e.FileName, boolInt(e.IsUploaded), e.UploadAttempts, e.LastUploadError,
		utcNull(e.CapturedAt), utcNull(e.UploadedAt), e.RemoteURL, e.UpdatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update atomically applies fn to the entry for fileName and commits the
// result. A missing entry is passed to fn as a zero Entry (not uploaded, no
// attempts). If fn returns an error nothing is written.
// Callers on the same key are serialised; the second observes the first's
// committed state. Callers on different keys do not share a lock.
func (s *Store) Update(ctx context.Context, fileName string, fn func(e *Entry) error) (Entry, error) {
	return s.update(ctx, fileName, fn, nil)
}

// UpdateWithHistory is Update plus an append to the upload history in the
// same transaction. The history row exists if and only if the update commits.
func (s *Store) UpdateWithHistory(ctx context.Context, fileName string, fn func(e *Entry) error, h HistoryEntry) (Entry, error) {
	return s.update(ctx, fileName, fn, &h)
}

func (s *Store) update(ctx context.Context, fileName string, fn func(e *Entry) error, h *HistoryEntry) (Entry, error) {
	unlock := s.locks.lock(fileName)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	e, err := getEntry(ctx, tx, fileName)
	if errors.Is(err, ErrNotFound) {
		e = Entry{FileName: fileName}
	} else if err != nil {
		return Entry{}, fmt.Errorf("read ledger entry: %w", err)
	}

	if err := fn(&e); err != nil {
		return Entry{}, err
	}
	e.FileName = fileName
	e.UpdatedAt = time.Now()

	if err := putEntry(ctx, tx, e); err != nil {
		return Entry{}, fmt.Errorf("write ledger entry: %w", err)
	}
	if h != nil {
		h.FileName = fileName
		if err := appendHistory(ctx, tx, *h); err != nil {
			return Entry{}, fmt.Errorf("append history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return e, nil
}

// GetAll returns every entry ordered by file name, which for slot files is
// chronological within a timezone.
func (s *Store) GetAll(ctx context.Context) ([]Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM recordings ORDER BY file_name ASC`)
}

// GetUploaded returns up to limit uploaded entries, oldest capture first.
func (s *Store) GetUploaded(ctx context.Context, limit int) ([]Entry, error) {
	return s.queryEntries(ctx, `
	SELECT `+entryColumns+`
	FROM recordings
	WHERE is_uploaded = 1
	ORDER BY captured_at ASC, file_name ASC
	LIMIT ?`, limit)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Snapshot returns the ledger in its exported form.
func (s *Store) Snapshot(ctx context.Context) (map[string]Status, error) {
	entries, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Status, len(entries))
	for _, e := range entries {
		st := Status{IsUploaded: e.IsUploaded, UploadAttempts: e.UploadAttempts}
		if e.LastUploadError.Valid {
			msg := e.LastUploadError.String
			st.LastUploadError = &msg
		}
		out[e.FileName] = st
	}
	return out, nil
}

// Remove deletes the entry for fileName. Used once the file itself is gone.
func (s *Store) Remove(ctx context.Context, fileName string) error {
	unlock := s.locks.lock(fileName)
	defer unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE file_name = ?`, fileName)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func utcNull(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}

// keyLocks hands out one mutex per key, dropping it when nobody holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
