package assets

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork is a transient transport or server failure.
	ErrNetwork = errors.New("network error")
	// ErrRateLimited means the remote asked us to back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthExpired is fatal to a run; the caller must re-authenticate.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrSuperseded is returned by a run cancelled by a newer load of the
	// same organization.
	ErrSuperseded = errors.New("superseded by a newer load")
)

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

// PageError wraps the failure of a single asset page.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("fetching asset page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// InconsistentDataError describes a record that could not be placed under
// its declared parent. The record is kept under the unknown bucket.
type InconsistentDataError struct {
	ItemID int64
	Reason string
}

func (e *InconsistentDataError) Error() string {
	return fmt.Sprintf("item %d: %s", e.ItemID, e.Reason)
}

// PartialResolutionFailure is a name lookup that degraded to a placeholder.
type PartialResolutionFailure struct {
	Kind string
	ID   int64
	Err  error
}

func (e *PartialResolutionFailure) Error() string {
	return fmt.Sprintf("resolving %s %d: %v", e.Kind, e.ID, e.Err)
}

func (e *PartialResolutionFailure) Unwrap() error { return e.Err }
