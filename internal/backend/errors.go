package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors categorizing remote failures. The orchestrator owns retry
// policy; this package only classifies.
var (
	// ErrValidation marks requests the platform rejected as malformed.
	ErrValidation = errors.New("validation rejected")
	// ErrNotFound marks operations referencing a record that no longer exists.
	ErrNotFound = errors.New("record not found")
	// ErrNetwork marks transport failures, timeouts and 5xx replies.
	ErrNetwork = errors.New("network failure")
)

// Category labels a remote failure for callers that branch on kind.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "notFound"
	CategoryNetwork    Category = "network"
	CategoryNone       Category = ""
)

// Categorize maps an error from this package to its failure category.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrNetwork):
		return CategoryNetwork
	default:
		// Anything unclassified came off the wire; treat it as transport.
		return CategoryNetwork
	}
}

// statusError converts a non-2xx platform reply into a categorized error.
func statusError(op string, status int) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrNotFound)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrValidation)
	default:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrNetwork)
	}
}
