package recording

import (
	"errors"
	"time"

	"slot-upload-daemon/internal/slot"
)

// Status is the upload state of a recording.
type Status string

const (
	StatusNotUploaded Status = "NOT_UPLOADED"
	StatusUploaded    Status = "UPLOADED"
)

// ForcedUploadMarker is stored as the last error by PrepareForceUpload so a
// forced re-send can be told apart from an ordinary failure.
const ForcedUploadMarker = "force_upload_requested"

// Eligibility failures. None of them ever reaches the transport.
var (
	ErrEmptyFile       = errors.New("recording is empty")
	ErrFileMissing     = errors.New("recording file missing")
	ErrAlreadyUploaded = errors.New("recording already uploaded")
)

// Record is a transient view of one capture. Changes only take effect
// through the Repository, which writes them to the ledger.
type Record struct {
	FileName        string
	Slot            slot.ID
	CapturedAt      time.Time
	FileSizeBytes   int64 // read from the filesystem at load time, 0 if missing or empty
	FileExists      bool
	Status          Status
	UploadAttempts  int
	LastUploadError *string
	UploadedAt      *time.Time
	RemoteURL       string
}

// CanUpload reports whether the automatic path may upload the record.
func (r Record) CanUpload() bool {
	return r.Status == StatusNotUploaded && r.FileExists && r.FileSizeBytes > 0
}

// CanForceUpload ignores the status: an uploaded record may be sent again.
func (r Record) CanForceUpload() bool {
	return r.FileExists && r.FileSizeBytes > 0
}

// IsRecordingFailed marks a zero-byte capture. It is a capture-quality
// problem, not a network one, and is never uploaded.
func (r Record) IsRecordingFailed() bool {
	return r.FileExists && r.FileSizeBytes == 0
}

// IsForced reports whether the record is waiting for a user-requested re-send.
func (r Record) IsForced() bool {
	return r.LastUploadError != nil && *r.LastUploadError == ForcedUploadMarker
}

// CheckUpload returns nil if CanUpload holds, otherwise the reason.
func (r Record) CheckUpload() error {
	if err := r.CheckForceUpload(); err != nil {
		return err
	}
	if r.Status == StatusUploaded {
		return ErrAlreadyUploaded
	}
	return nil
}

// CheckForceUpload returns nil if CanForceUpload holds, otherwise the reason.
func (r Record) CheckForceUpload() error {
	switch {
	case !r.FileExists:
		return ErrFileMissing
	case r.FileSizeBytes == 0:
		return ErrEmptyFile
	}
	return nil
}
