package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ io.WriteCloser = (*LogRotator)(nil)

const backupTimeFormat = "2006-01-02T15-04-05.000"

// LogRotator writes to a log file and rotates it when it reaches a size
// limit. Rotated files are renamed "{name}-{timestamp}{ext}", optionally
// gzipped, and pruned by count and age.
type LogRotator struct {
	Filename   string
	MaxSizeMB  int
	MaxBytes   int64 // overrides MaxSizeMB when set
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	mu   sync.Mutex
	size int64
	file *os.File
	wg   sync.WaitGroup // background compression and cleanup
}

func (l *LogRotator) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	writeLen := int64(len(p))
	if writeLen > l.max() {
		return 0, fmt.Errorf("write length %d exceeds max file size %d", writeLen, l.max())
	}

	if l.file == nil {
		if err := l.openExistingOrNew(writeLen); err != nil {
			return 0, err
		}
	}
	if l.size+writeLen > l.max() {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := l.file.Write(p)
	l.size += int64(n)
	return n, err
}

// Close closes the file and waits for background work.
func (l *LogRotator) Close() error {
	l.mu.Lock()
	err := l.close()
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

// Rotate forces a rotation.
func (l *LogRotator) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotate()
}

func (l *LogRotator) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *LogRotator) openExistingOrNew(writeLen int64) error {
	info, err := os.Stat(l.Filename)
	if os.IsNotExist(err) {
		return l.openNew()
	}
	if err != nil {
		return fmt.Errorf("error getting log file info: %w", err)
	}
	if info.Size()+writeLen > l.max() {
		return l.rotate()
	}

	file, err := os.OpenFile(l.Filename, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return l.openNew()
	}
	l.file = file
	l.size = info.Size()
	return nil
}

func (l *LogRotator) openNew() error {
	if err := os.MkdirAll(filepath.Dir(l.Filename), 0755); err != nil {
		return fmt.Errorf("can't make directories for new logfile: %w", err)
	}
	f, err := os.OpenFile(l.Filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("can't open new logfile: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}

func (l *LogRotator) rotate() error {
	if err := l.close(); err != nil {
		return err
	}
	if _, err := os.Stat(l.Filename); err == nil {
		backup := l.backupName(time.Now())
		if err := os.Rename(l.Filename, backup); err != nil {
			return fmt.Errorf("failed to rename log file: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.postRotate(backup)
		}()
	}
	return l.openNew()
}

func (l *LogRotator) backupName(t time.Time) string {
	dir, prefix, ext := l.parts()
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, t.Format(backupTimeFormat), ext))
}

func (l *LogRotator) parts() (dir, prefix, ext string) {
	base := filepath.Base(l.Filename)
	ext = filepath.Ext(base)
	return filepath.Dir(l.Filename), strings.TrimSuffix(base, ext), ext
}

func (l *LogRotator) max() int64 {
	if l.MaxBytes > 0 {
		return l.MaxBytes
	}
	if l.MaxSizeMB <= 0 {
		return 10 * 1024 * 1024
	}
	return int64(l.MaxSizeMB) * 1024 * 1024
}

func (l *LogRotator) postRotate(backup string) {
	if l.Compress {
		if err := compressLogFile(backup); err == nil {
			os.Remove(backup)
		}
	}
	l.cleanup()
}

func (l *LogRotator) cleanup() {
	if l.MaxBackups == 0 && l.MaxAgeDays == 0 {
		return
	}
	backups, err := l.backups()
	if err != nil {
		return
	}

	if l.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -l.MaxAgeDays)
		kept := backups[:0]
		for _, b := range backups {
			if b.timestamp.Before(cutoff) {
				os.Remove(b.path)
				continue
			}
			kept = append(kept, b)
		}
		backups = kept
	}

	// Oldest first, so the excess is at the front.
	if l.MaxBackups > 0 && len(backups) > l.MaxBackups {
		for _, b := range backups[:len(backups)-l.MaxBackups] {
			os.Remove(b.path)
		}
	}
}

type backupFile struct {
	timestamp time.Time
	path      string
}

func (l *LogRotator) backups() ([]backupFile, error) {
	dir, prefix, ext := l.parts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		ts := strings.TrimPrefix(name, prefix+"-")
		ts = strings.TrimSuffix(ts, ".gz")
		if !strings.HasSuffix(ts, ext) {
			continue
		}
		t, err := time.Parse(backupTimeFormat, strings.TrimSuffix(ts, ext))
		if err != nil {
			continue
		}
		out = append(out, backupFile{timestamp: t, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].timestamp.Before(out[j].timestamp) })
	return out, nil
}

func compressLogFile(src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gzf, err := os.Create(src + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(gzf)
	if _, err := io.Copy(zw, f); err != nil {
		zw.Close()
		gzf.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		gzf.Close()
		return err
	}
	return gzf.Close()
}
