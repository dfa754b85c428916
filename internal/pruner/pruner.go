package pruner

// Package pruner keeps the data root under its size budget by deleting the
// oldest recordings that are already uploaded. Pending recordings are never
// touched: when only they remain, the disk simply fills up.

import (
	"context"
	"log/slog"
	"os"
	"time"

	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/store"
)

// Ledger is the part of the store the pruner needs.
type Ledger interface {
	GetUploaded(ctx context.Context, limit int) ([]store.Entry, error)
	Remove(ctx context.Context, fileName string) error
}

// Recordings lists recordings with their on-disk size.
type Recordings interface {
	List(ctx context.Context) ([]recording.Record, error)
	Path(fileName string) string
}

type Options struct {
	MaxBytes             int64
	HighWatermarkPercent int // start evicting above this share of MaxBytes
	LowWatermarkPercent  int // evict down to this share
	BatchSize            int
	Interval             time.Duration
	Logger               *slog.Logger
}

type Pruner struct {
	ledger  Ledger
	records Recordings
	opts    Options
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}
}

func NewPruner(ledger Ledger, records Recordings, opts Options) *Pruner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HighWatermarkPercent <= 0 || opts.HighWatermarkPercent > 100 {
		opts.HighWatermarkPercent = 100
	}
	if opts.LowWatermarkPercent < 0 || opts.LowWatermarkPercent > opts.HighWatermarkPercent {
		opts.LowWatermarkPercent = opts.HighWatermarkPercent
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	return &Pruner{
		ledger:  ledger,
		records: records,
		opts:    opts,
		logger:  opts.Logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *Pruner) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := p.Prune(ctx); err != nil {
					p.logger.Error("Prune failed", "error", err)
				}
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}

// Prune runs one eviction pass and returns the number of bytes freed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	all, err := p.records.List(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range all {
		total += r.FileSizeBytes
	}

	high := p.opts.MaxBytes * int64(p.opts.HighWatermarkPercent) / 100
	if total <= high {
		return 0, nil
	}
	target := p.opts.MaxBytes * int64(p.opts.LowWatermarkPercent) / 100
	p.logger.Info("Data over budget, evicting uploaded recordings", "size", total, "max", p.opts.MaxBytes, "target", target)

	var freed int64
	for total > target {
		candidates, err := p.ledger.GetUploaded(ctx, p.opts.BatchSize)
		if err != nil {
			return freed, err
		}
		if len(candidates) == 0 {
			p.logger.Warn("Data over budget but nothing uploaded to evict", "size", total)
			return freed, nil
		}

		for _, e := range candidates {
			path := p.records.Path(e.FileName)
			var size int64
			if info, err := os.Stat(path); err == nil {
				size = info.Size()
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				p.logger.Error("Failed to remove recording", "file", e.FileName, "error", err)
				return freed, err
			}
			if err := p.ledger.Remove(ctx, e.FileName); err != nil {
				return freed, err
			}
			p.logger.Info("Pruned", "file", e.FileName, "size", size)
			total -= size
			freed += size
			if total <= target {
				break
			}
		}
	}
	return freed, nil
}
