package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"slot-upload-daemon/internal/api"
	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/device"
	"slot-upload-daemon/internal/ingest"
	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/store"
	"slot-upload-daemon/internal/sysinfo"
	"slot-upload-daemon/internal/transport"
)

// newTransport is swapped out by tests.
var newTransport = func(ctx context.Context, cfg *config.Config, deviceID string, logger *slog.Logger) (transport.Transport, error) {
	client := api.NewClient(cfg.Endpoint, config.ParseDuration(cfg.APITimeout, time.Minute), api.StaticToken(cfg.AuthToken))
	return transport.New(ctx, cfg, client, deviceID, sysinfo.DeviceContext(), logger)
}

// env is what the ledger and upload commands work on. The ledger is SQLite
// in WAL mode, so it can be opened while the service is running.
type env struct {
	cfg      *config.Config
	loc      *time.Location
	deviceID string
	store    *store.Store
	records  *recording.Repository
	logger   *slog.Logger
}

func openEnv(cfgPath string, logger *slog.Logger) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	deviceID, err := device.Resolve(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve device id: %w", err)
	}
	s, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &env{
		cfg:      cfg,
		loc:      loc,
		deviceID: deviceID,
		store:    s,
		records:  recording.NewRepository(s, cfg.DataPath, loc),
		logger:   logger,
	}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

func (e *env) transport(ctx context.Context) (transport.Transport, error) {
	return newTransport(ctx, e.cfg, e.deviceID, e.logger)
}

func (e *env) coordinator(ctx context.Context) (*ingest.Coordinator, error) {
	tr, err := e.transport(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.NewCoordinator(e.records, tr, ingest.Options{
		DeviceID:    e.deviceID,
		Concurrency: e.cfg.UploadConcurrency,
		Logger:      e.logger,
	}), nil
}

// describe turns an upload error into a message for the terminal.
func describe(err error) string {
	switch ingest.Classify(err) {
	case ingest.KindNone:
		return "ok"
	case ingest.KindEmptyFile:
		return "Recording failed: the capture is empty and will not be uploaded."
	case ingest.KindFileMissing:
		return "The recording file is missing on disk."
	case ingest.KindAlreadyUploaded:
		return "Already uploaded. Use 'upload force' to send it again."
	case ingest.KindAlreadyInFlight:
		return "An upload of this recording is already running."
	case ingest.KindCancelled:
		return "Upload cancelled. The recording stays pending."
	case ingest.KindTransport:
		msg := fmt.Sprintf("Upload failed: %v", err)
		if code := transport.StatusCode(err); code == 401 || code == 403 {
			return msg + ". Check the device pairing with 'sud pair'."
		}
		if ingest.Retryable(err) {
			return msg + ". It will be retried automatically."
		}
		return msg
	}
	return err.Error()
}
