package negotiation

import (
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	// ErrStaleOffer means the targeted offer is no longer the last turn of
	// its ride's thread.
	ErrStaleOffer = errors.New("stale offer")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ValidationError reports malformed input. It is returned before any state
// is read or written.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// reason gives the short label used for rejection metrics and API codes.
func reason(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStaleOffer):
		return "stale_offer"
	default:
		return "internal"
	}
}

// Code exposes the same label to the transport layer.
func Code(err error) string { return reason(err) }
