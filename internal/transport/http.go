package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"slot-upload-daemon/internal/api"
)

// HTTP uploads through the backend handshake: an ingest request returns a
// presigned URL, the file is PUT there, and the outcome is confirmed.
type HTTP struct {
	client   *api.Client
	deviceID string
	metadata map[string]string
	logger   *slog.Logger
}

func NewHTTP(client *api.Client, deviceID string, metadata map[string]string, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{client: client, deviceID: deviceID, metadata: metadata, logger: logger}
}

func (h *HTTP) Upload(ctx context.Context, localPath, objectKey string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fail(0, err)
	}

	// Hash while the request is prepared.
	type hashResult struct {
		sum string
		err error
	}
	hashCh := make(chan hashResult, 1)
	go func() {
		sum, err := sha256File(localPath)
		hashCh <- hashResult{sum, err}
	}()

	req := api.IngestRequest{
		IdempotencyKey: uuid.NewString(),
		DeviceID:       h.deviceID,
		ObjectKey:      objectKey,
		Filename:       path.Base(objectKey),
		ContentType:    contentType(localPath),
		FileSizeBytes:  info.Size(),
		Metadata:       h.metadata,
		Timestamp:      time.Now().UTC(),
	}

	res := <-hashCh
	if res.err != nil {
		return "", fail(0, fmt.Errorf("checksum: %w", res.err))
	}
	req.SHA256Checksum = res.sum

	resp, err := h.client.Ingest(ctx, req)
	if err != nil {
		return "", fail(0, err)
	}

	h.logger.Debug("Starting upload", "object_key", objectKey, "size", info.Size(), "handshake_id", resp.HandshakeID)

	if err := h.put(ctx, resp.UploadURL, localPath, info.Size(), req.ContentType); err != nil {
		if ctx.Err() == nil {
			errMsg := err.Error()
			failReq := api.ConfirmRequest{
				HandshakeID:  resp.HandshakeID,
				Status:       api.StatusFailed,
				ErrorMessage: &errMsg,
			}
			if cerr := h.client.Confirm(ctx, failReq); cerr != nil {
				h.logger.Warn("Failed to report failed upload", "handshake_id", resp.HandshakeID, "error", cerr)
			}
		}
		return "", err
	}

	remote := stripQuery(resp.UploadURL)
	uploadedPath := objectKey
	confirmReq := api.ConfirmRequest{
		HandshakeID:  resp.HandshakeID,
		Status:       api.StatusSuccess,
		UploadedPath: &uploadedPath,
	}
	// An unconfirmed upload is treated as failed so it is sent again.
	if err := h.client.Confirm(ctx, confirmReq); err != nil {
		return "", fail(0, err)
	}
	return remote, nil
}

func (h *HTTP) put(ctx context.Context, uploadURL, localPath string, size int64, ctype string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fail(0, fmt.Errorf("failed to open file: %w", err))
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, file)
	if err != nil {
		return fail(0, fmt.Errorf("failed to create request: %w", err))
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", ctype)

	resp, err := h.client.HTTPClient.Do(req)
	if err != nil {
		return fail(0, fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fail(resp.StatusCode, fmt.Errorf("server responded: %s", string(body)))
	}
	return nil
}

func sha256File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
