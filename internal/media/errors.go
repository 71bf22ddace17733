package media

import (
	"errors"
	"fmt"
)

// NetworkError represents transport failures and unexpected HTTP responses
// from a media source. Sessions failing with it can be retried and resume
// from their partial files.
type NetworkError struct {
	Operation  string // e.g. "probe", "fetch_fragment"
	StatusCode int    // HTTP status code, 0 for transport errors
	Offset     int64  // first byte of the failed request
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s at offset %d (HTTP %d)", e.Operation, e.Offset, e.StatusCode)
	}

	return fmt.Sprintf("network error during %s at offset %d: %v", e.Operation, e.Offset, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// SourceExhaustedError means the source has fewer bytes than the format
// promised. The attempt is over; the user has to pick a format again.
type SourceExhaustedError struct {
	Expected int64
	Received int64
}

func (e *SourceExhaustedError) Error() string {
	return fmt.Sprintf("source exhausted: expected %d bytes, source has %d", e.Expected, e.Received)
}

// DiskError is a local filesystem failure. It aborts the whole session and is
// escalated to operators.
type DiskError struct {
	Op   string // "open", "write", "sync", "rename", ...
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}

// MergeError wraps a muxing failure. Source streams are kept for a retry.
type MergeError struct {
	Reason string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge failed: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("merge failed: %s", e.Reason)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// DeliveryError is a failed hand-off of a finished artifact. The artifact is
// untouched so delivery can be attempted again without downloading.
type DeliveryError struct {
	Method string // "upload" or "link"
	Path   string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s failed for %s: %v", e.Method, e.Path, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Admission scopes.
const (
	ScopeUser   = "user"
	ScopeGlobal = "global"
)

// AdmissionRejectedError is returned when a session cannot start because a
// concurrency cap is reached. The session never started.
type AdmissionRejectedError struct {
	UserID int64
	Scope  string
	Limit  int
}

func (e *AdmissionRejectedError) Error() string {
	if e.Scope == ScopeGlobal {
		return fmt.Sprintf("admission rejected: global limit of %d active downloads reached", e.Limit)
	}

	return fmt.Sprintf("admission rejected: user %d already has %d active downloads", e.UserID, e.Limit)
}

// RangeInvalidError is a malformed or unsatisfiable Range header.
type RangeInvalidError struct {
	Header string
	Size   int64
	Reason string
}

func (e *RangeInvalidError) Error() string {
	return fmt.Sprintf("invalid range %q for size %d: %s", e.Header, e.Size, e.Reason)
}

// Retryable reports whether a session that failed with err can be retried
// without the user choosing a new format.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		netErr      *NetworkError
		mergeErr    *MergeError
		deliveryErr *DeliveryError
	)

	return errors.As(err, &netErr) || errors.As(err, &mergeErr) || errors.As(err, &deliveryErr)
}

// Class returns a low-cardinality label for err, suitable for metrics.
func Class(err error) string {
	var (
		netErr       *NetworkError
		exhaustedErr *SourceExhaustedError
		diskErr      *DiskError
		mergeErr     *MergeError
		deliveryErr  *DeliveryError
		admissionErr *AdmissionRejectedError
		rangeErr     *RangeInvalidError
	)

	switch {
	case err == nil:
		return "none"
	case errors.As(err, &diskErr):
		return "disk"
	case errors.As(err, &exhaustedErr):
		return "source_exhausted"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &mergeErr):
		return "merge"
	case errors.As(err, &deliveryErr):
		return "delivery"
	case errors.As(err, &admissionErr):
		return "admission"
	case errors.As(err, &rangeErr):
		return "range"
	default:
		return "unknown"
	}
}
