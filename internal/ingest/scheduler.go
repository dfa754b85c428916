package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the backlog on a ticker, whenever connectivity is
// restored, and on Trigger. Runs never overlap.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	restored <-chan struct{}
	trigger  chan struct{}
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. restored may be nil.
func NewScheduler(coord *Coordinator, interval time.Duration, restored <-chan struct{}, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		coord:    coord,
		interval: interval,
		restored: restored,
		trigger:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Start runs one pass immediately, then keeps going until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.run(ctx, "startup")
		for {
			select {
			case <-ticker.C:
				s.run(ctx, "interval")
			case <-s.restored:
				s.run(ctx, "connectivity")
			case <-s.trigger:
				s.run(ctx, "trigger")
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Trigger requests a pass. Requests made while one is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels a running pass and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	sum, err := s.coord.UploadBacklog(ctx)
	if err != nil {
		s.logger.Error("Backlog run failed", "reason", reason, "error", err)
		return
	}
	if len(sum.Results) == 0 {
		return
	}
	s.logger.Info("Backlog run finished", "reason", reason, "uploaded", sum.Uploaded, "failed", sum.Failed, "skipped", sum.Skipped)
}
