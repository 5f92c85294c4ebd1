package message

import (
	"errors"
	"fmt"
)

var (
	// ErrSigning is returned when a message cannot be signed: the signing
	// capability is unavailable or the payload fails its schema.
	ErrSigning = errors.New("signing failed")

	// ErrSchemaMismatch is returned when a message is not of the expected kind
	// or its payload does not match the kind's schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrAuthenticity is returned when a message signature cannot be verified.
	ErrAuthenticity = errors.New("authenticity check failed")

	// ErrMalformed is returned when a wire token cannot be parsed at all.
	ErrMalformed = errors.New("malformed message")
)

// SigningError carries the kind being signed and the underlying cause.
type SigningError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	msg := fmt.Sprintf("message: sign %s: %v", e.Kind, ErrSigning)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrSigning and the cause to errors.Is/As.
func (e *SigningError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSigning}
	}
	return []error{ErrSigning, e.Err}
}
