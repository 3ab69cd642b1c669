package ingest

import (
	"errors"

	"github.com/t77yq/proctor-alerts/internal/storage"
)

var (
	// ErrInvalidInput is returned when a payload is malformed or out of range.
	// Nothing has been written when it is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStore is returned when persisting an alert failed
	ErrStore = storage.ErrStore
)

// IsRetryable reports whether the caller may resubmit the same alert
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStore)
}
