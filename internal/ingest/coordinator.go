package ingest

// Package ingest uploads recordings. The Coordinator performs single
// upload attempts and writes their outcome to the ledger; the Scheduler
// re-runs the backlog periodically and when connectivity returns.

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"slot-upload-daemon/internal/metrics"
	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/transport"
)

// Recordings is the part of recording.Repository the coordinator drives.
type Recordings interface {
	Path(fileName string) string
	Load(ctx context.Context, fileName string) (recording.Record, error)
	MarkUploaded(ctx context.Context, fileName, remoteURL string) (recording.Record, error)
	MarkUploadFailed(ctx context.Context, fileName string, cause error) (recording.Record, error)
	PrepareForceUpload(ctx context.Context, fileName string) (recording.Record, error)
	Backlog(ctx context.Context) ([]recording.Record, error)
}

// Event is published after every ledger write the coordinator makes.
type Event struct {
	Record recording.Record
	Err    error // the transport failure, nil on success or force preparation
	At     time.Time
}

type Observer func(Event)

type Options struct {
	DeviceID    string
	Concurrency int // backlog uploads running at once, default 1
	Metrics     *metrics.UploadMetrics
	Logger      *slog.Logger
}

type Coordinator struct {
	records     Recordings
	transport   transport.Transport
	deviceID    string
	concurrency int
	metrics     *metrics.UploadMetrics
	logger      *slog.Logger

	inFlight sync.Map // fileName -> struct{}

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func NewCoordinator(records Recordings, tr transport.Transport, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Coordinator{
		records:     records,
		transport:   tr,
		deviceID:    opts.DeviceID,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		observers:   make(map[int]Observer),
	}
}

// Subscribe registers fn for ledger-change events. Observers run on the
// uploading goroutine and must not block.
func (c *Coordinator) Subscribe(fn Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Coordinator) publish(rec recording.Record, err error) {
	ev := Event{Record: rec, Err: err, At: time.Now()}
	c.obsMu.RLock()
	fns := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// UploadOne makes a single upload attempt for a pending recording and
// returns its remote URL. The ledger reflects the outcome before it returns,
// except when ctx is cancelled mid-transfer: then nothing is written and the
// recording stays pending.
func (c *Coordinator) UploadOne(ctx context.Context, fileName string) (string, error) {
	return c.upload(ctx, fileName, false)
}

// ForceUpload re-sends a recording regardless of its status. Only an
// explicit user action may call it.
func (c *Coordinator) ForceUpload(ctx context.Context, fileName string) (string, error) {
	return c.upload(ctx, fileName, true)
}

// TryAcquire claims fileName as in flight without uploading it, so its file
// can be swapped safely. Until release is called, uploads of fileName fail
// with ErrAlreadyInFlight. ok is false while an upload or another holder
// owns the name.
func (c *Coordinator) TryAcquire(fileName string) (release func(), ok bool) {
	if _, busy := c.inFlight.LoadOrStore(fileName, struct{}{}); busy {
		return nil, false
	}
	return func() { c.inFlight.Delete(fileName) }, true
}

func (c *Coordinator) upload(ctx context.Context, fileName string, force bool) (string, error) {
	release, ok := c.TryAcquire(fileName)
	if !ok {
		return "", fmt.Errorf("upload %s: %w", fileName, ErrAlreadyInFlight)
	}
	defer release()

	rec, err := c.records.Load(ctx, fileName)
	if err != nil {
		return "", err
	}

	check := rec.CheckUpload
	if force {
		check = rec.CheckForceUpload
	}
	if err := check(); err != nil {
		c.metrics.ObserveUpload(metrics.ResultRejected, 0)
		c.logger.Warn("Upload refused", "file", fileName, "reason", Classify(err).String())
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}

	if force {
		if rec, err = c.records.PrepareForceUpload(ctx, fileName); err != nil {
			return "", err
		}
		c.publish(rec, nil)
	}

	key := c.objectKey(rec)
	c.logger.Info("Starting upload", "file", fileName, "size", rec.FileSizeBytes, "object_key", key, "forced", force)

	start := time.Now()
	url, err := c.transport.Upload(ctx, c.records.Path(fileName), key)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			c.metrics.ObserveUpload(metrics.ResultCancelled, elapsed)
			c.logger.Info("Upload cancelled", "file", fileName)
			return "", fmt.Errorf("upload %s: %w", fileName, ctx.Err())
		}

		c.metrics.ObserveUpload(metrics.ResultFailure, elapsed)
		updated, werr := c.records.MarkUploadFailed(ctx, fileName, err)
		if werr != nil {
			c.logger.Error("Failed to record upload failure", "file", fileName, "error", werr)
			return "", multierr.Append(fmt.Errorf("upload %s: %w", fileName, err), werr)
		}
		c.logger.Warn("Upload failed", "file", fileName, "attempts", updated.UploadAttempts, "error", err)
		c.publish(updated, err)
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}

	// The bytes are already remote; a teardown must not lose that fact.
	updated, err := c.records.MarkUploaded(context.WithoutCancel(ctx), fileName, url)
	if err != nil {
		c.logger.Error("Uploaded but failed to record it", "file", fileName, "error", err)
		return "", err
	}
	c.metrics.ObserveUpload(metrics.ResultSuccess, elapsed)
	c.logger.Info("Upload success", "file", fileName, "url", url, "duration", elapsed)
	c.publish(updated, nil)
	return url, nil
}

func (c *Coordinator) objectKey(rec recording.Record) string {
	if rec.Slot.Date != "" {
		return rec.Slot.WithDevice(c.deviceID).ObjectKey()
	}
	return path.Join(c.deviceID, rec.FileName)
}

// Result is the outcome of one backlog upload.
type Result struct {
	FileName string
	URL      string
	Err      error
}

// Summary aggregates a backlog run. Results keep the backlog order.
type Summary struct {
	Results  []Result
	Uploaded int
	Failed   int
	Skipped  int // already in flight elsewhere
}

// Err combines every failure of the run, or nil.
func (s Summary) Err() error {
	var err error
	for _, r := range s.Results {
		if r.Err != nil && Classify(r.Err) != KindAlreadyInFlight {
			err = multierr.Append(err, r.Err)
		}
	}
	return err
}

// UploadBacklog attempts every pending recording once. Each upload is
// independent: one failure neither stops nor affects the others.
func (c *Coordinator) UploadBacklog(ctx context.Context) (Summary, error) {
	backlog, err := c.records.Backlog(ctx)
	if err != nil {
		return Summary{}, err
	}
	c.metrics.SetBacklog(len(backlog))
	if len(backlog) == 0 {
		return Summary{}, nil
	}

	c.logger.Info("Uploading backlog", "count", len(backlog), "concurrency", c.concurrency)

	results := make([]Result, len(backlog))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, rec := range backlog {
		g.Go(func() error {
			results[i].FileName = rec.FileName
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].URL, results[i].Err = c.UploadOne(ctx, rec.FileName)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Results: results}
	for _, r := range results {
		switch {
		case r.Err == nil:
			sum.Uploaded++
		case Classify(r.Err) == KindAlreadyInFlight:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	return sum, nil
}
