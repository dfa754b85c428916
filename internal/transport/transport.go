package transport

// Package transport moves one local file to the remote store under a given
// object key. Three back ends exist: the backend's presigned handshake
// (http), S3 and MinIO.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"slot-upload-daemon/internal/api"
	"slot-upload-daemon/internal/config"
)

// Transport uploads a file and returns the URL it is reachable at.
// It is called exactly once per upload attempt and never retries.
type Transport interface {
	Upload(ctx context.Context, localPath, objectKey string) (string, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, localPath, objectKey string) (string, error)

func (f Func) Upload(ctx context.Context, localPath, objectKey string) (string, error) {
	return f(ctx, localPath, objectKey)
}

// Failure is any error raised by a transport. StatusCode is the HTTP status
// of the failing response, or 0 for network-level failures.
type Failure struct {
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("transport failed with status %d: %v", f.StatusCode, f.Err)
	}
	return fmt.Sprintf("transport failed: %v", f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.StatusCode
	}
	return 0
}

func fail(code int, err error) error {
	var statusErr *api.StatusError
	if code == 0 && errors.As(err, &statusErr) {
		code = statusErr.StatusCode
	}
	return &Failure{StatusCode: code, Err: err}
}

// New builds the transport selected by cfg.Transport.
func New(ctx context.Context, cfg *config.Config, client *api.Client, deviceID string, metadata map[string]string, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport {
	case "", "http":
		return NewHTTP(client, deviceID, metadata, logger), nil
	case "s3":
		return NewS3(ctx, cfg.S3, logger)
	case "minio":
		return NewMinIO(ctx, cfg.MinIO, logger)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// contentType sniffs the file; audio captures come out as audio/wav.
func contentType(localPath string) string {
	mtype, err := mimetype.DetectFile(localPath)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}
