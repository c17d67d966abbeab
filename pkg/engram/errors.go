package engram

import (
	"context"
	"errors"
	"strings"

	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/session"
	"github.com/provenant/engram/pkg/store"
)

// Error type constants for classification
const (
	ErrTypeValidation = "validation"
	ErrTypeAppend     = "append"
	ErrTypeDuplicate  = "duplicate"
	ErrTypeClosed     = "closed"
	ErrTypeNotFound   = "not_found"
	ErrTypeTampered   = "tampered"
	ErrTypeTimeout    = "timeout"
	ErrTypeUnknown    = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var validationErr *record.ValidationError
	if errors.As(err, &validationErr) {
		return ErrTypeValidation
	}

	var dupErr *store.DuplicateIDError
	if errors.As(err, &dupErr) {
		return ErrTypeDuplicate
	}

	switch {
	case errors.Is(err, store.ErrIntegrity):
		return ErrTypeTampered
	case errors.Is(err, store.ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, store.ErrClosed):
		return ErrTypeClosed
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.Is(err, session.ErrAppendFailed), errors.Is(err, store.ErrChainMismatch):
		return ErrTypeAppend
	}

	// Fall back to string inspection for errors surfaced by drivers and the
	// filesystem without a typed wrapper.
	errStrLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStrLower, "timeout"), strings.Contains(errStrLower, "deadline exceeded"):
		return ErrTypeTimeout
	case strings.Contains(errStrLower, "sql"),
		strings.Contains(errStrLower, "database"),
		strings.Contains(errStrLower, "write partition"),
		strings.Contains(errStrLower, "sync partition"):
		return ErrTypeAppend
	case strings.Contains(errStrLower, "invalid"), strings.Contains(errStrLower, "cannot be empty"):
		return ErrTypeValidation
	}

	return ErrTypeUnknown
}
