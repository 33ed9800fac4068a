package proxy

import (
	"context"
	"errors"
	"fmt"

	"proxybot/internal/storage"
)

var (
	ErrNotFound      = errors.New("proxy not found")
	ErrInactive      = errors.New("proxy is disabled")
	ErrConflict      = errors.New("another proxy already uses this server and port")
	ErrNoneAvailable = errors.New("no active proxy available")
	ErrInvalid       = errors.New("invalid proxy parameters")
	ErrStoreFailure  = errors.New("operation could not complete")

	ErrInvalidLink = fmt.Errorf("%w: not a valid proxy link", ErrInvalid)
)

// outcome names an error for logs and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNoneAvailable):
		return "none_available"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failure"
	}
}

// translate maps store errors onto this package's taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrInactive):
		return ErrInactive
	case errors.Is(err, storage.ErrConflict):
		return ErrConflict
	case errors.Is(err, storage.ErrUnavailable):
		return ErrNoneAvailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
}

// IsLogical reports whether err is a terminal, user-facing outcome rather than a failure.
func IsLogical(err error) bool {
	switch outcome(err) {
	case "not_found", "inactive", "conflict", "none_available", "invalid":
		return true
	}
	return false
}
