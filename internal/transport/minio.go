package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"slot-upload-daemon/internal/config"
)

// MinIO uploads to a self-hosted MinIO (or any S3-compatible) server.
type MinIO struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinIO connects and creates the bucket if it does not exist yet.
func NewMinIO(ctx context.Context, cfg config.MinIOConfig, logger *slog.Logger) (*MinIO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	m := &MinIO{client: client, bucket: cfg.Bucket, logger: logger}
	if err := m.ensureBucket(ctx); err != nil {
		// Offline at startup is normal for a capture device; uploads retry later.
		logger.Warn("MinIO bucket check failed", "bucket", cfg.Bucket, "error", err)
	}
	return m, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return err
	}
	m.logger.Info("Created MinIO bucket", "bucket", m.bucket)
	return nil
}

func (m *MinIO) Upload(ctx context.Context, localPath, objectKey string) (string, error) {
	_, err := m.client.FPutObject(ctx, m.bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", fail(minio.ToErrorResponse(err).StatusCode, err)
	}
	return fmt.Sprintf("%s/%s/%s", m.client.EndpointURL(), m.bucket, objectKey), nil
}
