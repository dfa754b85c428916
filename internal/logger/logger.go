package logger

// Package logger builds the daemon's slog.Logger: a text log file that
// rotates by size, fanned out with the OS service log.

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kardianos/service"
	slogmulti "github.com/samber/slog-multi"
)

type Options struct {
	File    string         // rotated log file; empty disables file logging
	Level   string         // debug, info, warn, error
	Service service.Logger // may be nil
	Console bool           // also write to stderr, for interactive runs
}

// Setup creates the logger, installs it as slog's default and returns the
// closer for the log file.
func Setup(opts Options) (*slog.Logger, io.Closer) {
	level := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &LogRotator{Filename: opts.File, MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
		handlers = append(handlers, slog.NewTextHandler(rotator, hopts))
		closer = rotator
	}
	if opts.Service != nil {
		handlers = append(handlers, &ServiceHandler{svc: opts.Service, level: level})
	}
	if opts.Console || len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, hopts))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return logger, closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ServiceHandler adapts slog.Handler to service.Logger (syslog, event log).
type ServiceHandler struct {
	svc    service.Logger
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *ServiceHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ServiceHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.svc == nil {
		return nil
	}

	// The service log stamps time and level itself.
	var buf bytes.Buffer
	var handler slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	})
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	handler = handler.WithAttrs(h.attrs)
	if err := handler.Handle(ctx, r); err != nil {
		return err
	}

	msg := strings.TrimSpace(buf.String())
	switch {
	case r.Level >= slog.LevelError:
		return h.svc.Error(msg)
	case r.Level >= slog.LevelWarn:
		return h.svc.Warning(msg)
	}
	return h.svc.Info(msg)
}

func (h *ServiceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *ServiceHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}
