package ingest

import (
	"context"
	"errors"
	"net/http"

	"slot-upload-daemon/internal/recording"
	"slot-upload-daemon/internal/transport"
)

// ErrAlreadyInFlight is returned when an upload of the same recording is
// already running. The caller should not treat it as a failure.
var ErrAlreadyInFlight = errors.New("upload already in flight")

// Kind classifies an upload error for callers that report it to a user.
type Kind int

const (
	KindNone Kind = iota
	KindEmptyFile
	KindFileMissing
	KindAlreadyUploaded
	KindAlreadyInFlight
	KindCancelled
	KindTransport
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEmptyFile:
		return "empty_file"
	case KindFileMissing:
		return "file_missing"
	case KindAlreadyUploaded:
		return "already_uploaded"
	case KindAlreadyInFlight:
		return "already_in_flight"
	case KindCancelled:
		return "cancelled"
	case KindTransport:
		return "transport"
	}
	return "internal"
}

// Classify maps err onto a Kind.
func Classify(err error) Kind {
	var failure *transport.Failure
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, recording.ErrEmptyFile):
		return KindEmptyFile
	case errors.Is(err, recording.ErrFileMissing):
		return KindFileMissing
	case errors.Is(err, recording.ErrAlreadyUploaded):
		return KindAlreadyUploaded
	case errors.Is(err, ErrAlreadyInFlight):
		return KindAlreadyInFlight
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &failure):
		return KindTransport
	}
	return KindInternal
}

// Retryable reports whether sending the same file again may succeed.
// Empty and missing captures never will; client errors other than
// timeouts and throttling need operator attention first.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindCancelled, KindAlreadyInFlight, KindInternal:
		return true
	case KindTransport:
		code := transport.StatusCode(err)
		return code == 0 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
	}
	return false
}
