package capture

// Package capture owns the capture session: it records one file per slot,
// rolls over on slot boundaries, registers finished captures in the ledger
// and hands them to the uploader.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"slot-upload-daemon/internal/phase"
	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/slot"
)

// PartialSuffix marks a capture that is still being written.
const PartialSuffix = ".partial"

// Recordings is what the session needs from the recording repository.
type Recordings interface {
	Path(fileName string) string
	Load(ctx context.Context, fileName string) (recording.Record, error)
	Register(ctx context.Context, fileName string, capturedAt time.Time) (bool, error)
}

// UploadFunc uploads one finished capture, typically Coordinator.UploadOne.
type UploadFunc func(ctx context.Context, fileName string) (string, error)

// GuardFunc claims a slot file so no upload reads it while it is replaced,
// typically Coordinator.TryAcquire.
type GuardFunc func(fileName string) (release func(), ok bool)

var guardPoll = 50 * time.Millisecond

type Options struct {
	Guard        GuardFunc // nil when nothing else uploads slot files
	DeviceID     string
	Location     *time.Location
	DismissAfter time.Duration
	RetryDelay   time.Duration // wait before restarting a failed recorder
	Now          func() time.Time
	Logger       *slog.Logger
}

// Session is the single owner of the recorder. Rollover, recorder exit and
// stop requests are all handled on one goroutine, so they never interleave.
type Session struct {
	recorder Recorder
	records  Recordings
	machine  *phase.Machine[string, string]
	opts     Options
	logger   *slog.Logger

	uploadCtx context.Context
	stop      chan struct{}
	done      chan struct{}
	uploads   sync.WaitGroup
	uploadMu  sync.Mutex // one automatic upload at a time
}

func NewSession(rec Recorder, records Recordings, upload UploadFunc, opts Options) *Session {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		recorder: rec,
		records:  records,
		machine:  phase.New[string, string](upload, opts.DismissAfter),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Phases is the recording upload progress.
func (s *Session) Phases() *phase.Machine[string, string] {
	return s.machine
}

// Start begins capturing. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	s.uploadCtx = ctx
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop finalises the current capture and waits for pending uploads to end.
func (s *Session) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.uploads.Wait()
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.opts.Now().In(s.opts.Location)
		id := slot.For(now, s.opts.Location, s.opts.DeviceID)
		final := s.records.Path(id.FileName())
		partial := final + PartialSuffix

		if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
			s.logger.Error("Failed to create capture directory", "path", filepath.Dir(final), "error", err)
			if !s.wait(ctx, s.opts.RetryDelay) {
				return
			}
			continue
		}

		h, err := s.recorder.Start(partial)
		if err != nil {
			s.logger.Error("Failed to start capture", "slot", id.String(), "error", err)
			if !s.wait(ctx, s.opts.RetryDelay) {
				return
			}
			continue
		}
		s.logger.Info("Capture started", "slot", id.String(), "file", id.FileName())

		timer := time.NewTimer(slot.SecondsUntilNextSlot(now))
		select {
		case <-timer.C:
			s.finalize(ctx, h, id, now)
		case <-h.Exited():
			timer.Stop()
			s.logger.Warn("Capture ended unexpectedly", "slot", id.String())
			s.finalize(ctx, h, id, now)
			if !s.wait(ctx, s.opts.RetryDelay) {
				return
			}
		case <-s.stop:
			timer.Stop()
			s.finalize(context.WithoutCancel(ctx), h, id, now)
			return
		case <-ctx.Done():
			timer.Stop()
			s.finalize(context.WithoutCancel(ctx), h, id, now)
			return
		}
	}
}

func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// finalize stops the recorder, moves the partial file onto the slot file
// and registers it. One canonical file exists per slot: a second capture in
// the same slot replaces the first only if it is larger, and never once the
// slot has been uploaded. An upload of the slot that is still running is
// waited for first. Uploads use the session context, so a shutdown
// cancels them and leaves the recording pending.
func (s *Session) finalize(ctx context.Context, h Handle, id slot.ID, startedAt time.Time) {
	if err := h.Stop(); err != nil {
		s.logger.Warn("Capture stop reported an error", "slot", id.String(), "error", err)
	}

	name := id.FileName()
	final := s.records.Path(name)
	partial := final + PartialSuffix

	info, err := os.Stat(partial)
	if err != nil {
		s.logger.Warn("Capture produced no file", "slot", id.String(), "error", err)
		return
	}

	replaced, err := s.replace(ctx, name, final, partial, info.Size())
	if err != nil {
		s.logger.Error("Failed to finalise capture", "file", name, "error", err)
		return
	}
	if !replaced {
		s.logger.Info("Discarding capture, slot file already kept", "file", name, "size", info.Size())
		_ = os.Remove(partial)
		return
	}

	if _, err := s.records.Register(ctx, name, startedAt); err != nil {
		s.logger.Error("Failed to register capture", "file", name, "error", err)
		return
	}
	if info.Size() == 0 {
		s.logger.Warn("Capture is empty, recording failed", "file", name)
	}
	s.logger.Info("Capture finished", "file", name, "size", info.Size())

	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		s.autoUpload(s.uploadCtx, name)
	}()
}

// replace moves partial onto final when it should be kept. It holds the
// slot's upload guard meanwhile, so an upload in flight completes and is
// recorded against the bytes it sent before the file changes. On error the
// partial file stays where it is.
func (s *Session) replace(ctx context.Context, name, final, partial string, size int64) (bool, error) {
	release, err := s.acquire(ctx, name)
	if err != nil {
		return false, err
	}
	defer release()

	keep, err := s.shouldReplace(ctx, name, final, size)
	if err != nil || !keep {
		return false, err
	}
	if err := os.Rename(partial, final); err != nil {
		return false, err
	}
	return true, nil
}

// acquire waits until no upload of name is running and claims it.
func (s *Session) acquire(ctx context.Context, name string) (func(), error) {
	if s.opts.Guard == nil {
		return func() {}, nil
	}
	t := time.NewTicker(guardPoll)
	defer t.Stop()
	for waited := false; ; waited = true {
		if release, ok := s.opts.Guard(name); ok {
			return release, nil
		}
		if !waited {
			s.logger.Info("Waiting for slot upload before replacing its file", "file", name)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for upload of %s: %w", name, ctx.Err())
		case <-t.C:
		}
	}
}

func (s *Session) shouldReplace(ctx context.Context, name, final string, size int64) (bool, error) {
	rec, err := s.records.Load(ctx, name)
	if err != nil {
		return false, err
	}
	if rec.Status == recording.StatusUploaded {
		return false, nil
	}
	existing, err := os.Stat(final)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return size > existing.Size(), nil
}

// autoUpload pushes name through the phase machine. Failures are only
// logged; the scheduler retries pending recordings.
func (s *Session) autoUpload(ctx context.Context, name string) {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	if s.machine.Current().Kind.Terminal() {
		s.machine.Reset()
	}
	if err := s.machine.Process(name); err != nil {
		s.logger.Debug("Upload busy, leaving capture to the scheduler", "file", name)
		return
	}
	if _, err := s.machine.Transfer(ctx); err != nil {
		s.logger.Info("Automatic upload did not complete", "file", name, "error", err)
	}
}
