package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/onnwee/visit-tracker/upstream"
)

// ErrCycleRunning is returned when a cycle is triggered while another one is in flight.
var ErrCycleRunning = errors.New("scrape cycle already running")

// ErrRateLimited is the upstream 429 signal. It triggers the cycle-wide backoff.
var ErrRateLimited = upstream.ErrRateLimited

// ValidationError reports a channel name rejected before any network call.
type ValidationError struct {
	Channel string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid channel %q: %s", e.Channel, e.Reason)
}

// NetworkTimeoutError reports an upstream request that exceeded the per-request timeout.
type NetworkTimeoutError struct {
	Channel string
	Err     error
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("fetch %q timed out: %v", e.Channel, e.Err)
}

func (e *NetworkTimeoutError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure together with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ErrorClass groups errors by how the pipeline reacts to them.
type ErrorClass int

const (
	// ClassUnknown is anything not produced by the pipeline itself.
	ClassUnknown ErrorClass = iota
	// ClassValidation: bad channel name, skipped without retry.
	ClassValidation
	// ClassTimeout: the channel fetch is abandoned for this cycle.
	ClassTimeout
	// ClassRateLimited: triggers the batch backoff, never a per-channel retry.
	ClassRateLimited
	// ClassUpstream: non-2xx other than 429, channel skipped.
	ClassUpstream
	// ClassStorage: the sighting is skipped; at commit time the cycle rolls back.
	ClassStorage
)

// String returns a human-readable name for the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassUpstream:
		return "upstream"
	case ClassStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Classify maps err onto the pipeline's error taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var (
		ve *ValidationError
		te *NetworkTimeoutError
		se *StorageError
		ue *upstream.StatusError
	)
	switch {
	case errors.As(err, &ve):
		return ClassValidation
	case errors.As(err, &te):
		return ClassTimeout
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.As(err, &ue):
		return ClassUpstream
	case errors.As(err, &se):
		return ClassStorage
	}
	return ClassUnknown
}

// isTimeout reports whether err is a request deadline rather than a caller cancellation.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
