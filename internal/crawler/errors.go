package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the frontier, capture store and protocol layers.
var (
	ErrTargetNotFound    = errors.New("crawl target not found")
	ErrInvalidTransition = errors.New("invalid target state transition")
	ErrCaptureNotFound   = errors.New("capture not found")
	ErrStorage           = errors.New("capture storage failure")
	ErrIntegrity         = errors.New("capture content hash mismatch")
)

// FetchErrorKind classifies client-side fetch failures.
type FetchErrorKind int

// Fetch failure kinds.
const (
	// FetchTargetFailed means the page could not be captured but the engine is healthy.
	FetchTargetFailed FetchErrorKind = iota
	// FetchEngineFatal means the engine itself stopped responding and must be recreated.
	FetchEngineFatal
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchEngineFatal:
		return "engine_fatal"
	default:
		return "target_failed"
	}
}

// FetchError reports a failed fetch together with any page source gathered before the failure.
type FetchError struct {
	Kind    FetchErrorKind
	Partial Payload
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTargetError wraps err as an ordinary per-target failure.
func NewTargetError(err error, partial Payload) *FetchError {
	return &FetchError{Kind: FetchTargetFailed, Partial: partial, Err: err}
}

// NewEngineFatal wraps err as a fatal engine failure.
func NewEngineFatal(err error, partial Payload) *FetchError {
	return &FetchError{Kind: FetchEngineFatal, Partial: partial, Err: err}
}

// ClassifyFetchError returns the kind and partial payload carried by err. Errors that are not
// *FetchError count as ordinary target failures.
func ClassifyFetchError(err error) (FetchErrorKind, Payload) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, fe.Partial
	}
	return FetchTargetFailed, nil
}
