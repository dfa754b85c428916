package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"slot-upload-daemon/internal/config"
)

// S3 uploads directly to a bucket with the AWS SDK multipart uploader.
type S3 struct {
	uploader *manager.Uploader
	cfg      config.S3Config
	logger   *slog.Logger
}

// NewS3 uses static credentials when configured, otherwise the default chain.
func NewS3(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	} else {
		logger.Warn("S3 transport using default credential chain")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})

	logger.Info("S3 transport ready", "region", cfg.Region, "bucket", cfg.Bucket)
	return &S3{uploader: uploader, cfg: cfg, logger: logger}, nil
}

func (s *S3) Upload(ctx context.Context, localPath, objectKey string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fail(0, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		code := 0
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			code = respErr.HTTPStatusCode()
		}
		return "", fail(code, fmt.Errorf("upload: %w", err))
	}
	return s.objectURL(objectKey), nil
}

func (s *S3) objectURL(key string) string {
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}
