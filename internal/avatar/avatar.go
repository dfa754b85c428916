package avatar

// Package avatar uploads the device owner's profile picture through the
// same phase machine recordings use.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"slot-upload-daemon/internal/phase"
	"slot-upload-daemon/internal/transport"
)

const MaxBytes = 5 << 20

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
)

var allowed = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Asset is a validated image ready for transfer.
type Asset struct {
	Path        string
	ContentType string
	Ext         string
	Size        int64
}

// ObjectKey is the remote location of a device's avatar.
func ObjectKey(deviceID, ext string) string {
	return fmt.Sprintf("%s/profile/avatar%s", deviceID, ext)
}

type Uploader struct {
	machine  *phase.Machine[Asset, string]
	deviceID string
	logger   *slog.Logger
}

func New(tr transport.Transport, deviceID string, dismissAfter time.Duration, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{deviceID: deviceID, logger: logger}
	u.machine = phase.New(func(ctx context.Context, a Asset) (string, error) {
		return tr.Upload(ctx, a.Path, ObjectKey(u.deviceID, a.Ext))
	}, dismissAfter)
	return u
}

// Phases exposes the machine so callers can follow progress.
func (u *Uploader) Phases() *phase.Machine[Asset, string] {
	return u.machine
}

// Upload validates and sends the image at path, returning its remote URL.
func (u *Uploader) Upload(ctx context.Context, path string) (string, error) {
	if u.machine.Current().Kind.Terminal() {
		u.machine.Reset()
	}
	if err := u.machine.Select(); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		u.machine.Cancel()
		if err == nil {
			err = fmt.Errorf("%s is a directory", path)
		}
		return "", fmt.Errorf("select avatar: %w", err)
	}

	if err := u.machine.Acquire(); err != nil {
		return "", err
	}
	asset, err := inspect(path, info.Size())
	if err != nil {
		_ = u.machine.Fail(err.Error())
		return "", err
	}

	if err := u.machine.Process(asset); err != nil {
		return "", err
	}
	u.logger.Info("Uploading avatar", "path", path, "content_type", asset.ContentType, "size", asset.Size)
	return u.machine.Transfer(ctx)
}

func inspect(path string, size int64) (Asset, error) {
	if size > MaxBytes {
		return Asset{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, MaxBytes)
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Asset{}, fmt.Errorf("read avatar: %w", err)
	}
	ext, ok := allowed[mtype.String()]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}
	return Asset{Path: path, ContentType: mtype.String(), Ext: ext, Size: size}, nil
}
