package api

import (
	"time"
)

// IngestRequest starts the upload of one file.
type IngestRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	DeviceID       string            `json:"device_id"`
	ObjectKey      string            `json:"object_key"` // e.g. "dev-1/2025-03-14/raw/09-30.wav"
	Filename       string            `json:"filename"`
	ContentType    string            `json:"content_type"`
	FileSizeBytes  int64             `json:"file_size_bytes"`
	SHA256Checksum string            `json:"sha256_checksum"`
	Metadata       map[string]string `json:"metadata"` // device context from sysinfo
	Timestamp      time.Time         `json:"timestamp"`
}

// IngestResponse carries the presigned URL the file is PUT to.
type IngestResponse struct {
	HandshakeID string    `json:"handshake_id"`
	UploadURL   string    `json:"upload_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type IngestStatus string

const (
	StatusSuccess IngestStatus = "SUCCESS"
	StatusFailed  IngestStatus = "FAILED"
)

// ConfirmRequest finalizes an ingest handshake.
type ConfirmRequest struct {
	HandshakeID  string       `json:"handshake_id"`
	Status       IngestStatus `json:"status"`
	ErrorMessage *string      `json:"error_message"`
	UploadedPath *string      `json:"uploaded_path,omitempty"`
}

type PairingRequest struct {
	DeviceID string `json:"device_id"`
}

type PairingResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PairingStatus string

const (
	PairingStatusWaiting PairingStatus = "WAITING"
	PairingStatusClaimed PairingStatus = "CLAIMED"
	PairingStatusExpired PairingStatus = "EXPIRED"
)

type PairingStatusResponse struct {
	Status PairingStatus `json:"status"`
	APIKey *string       `json:"apikey"`
}
