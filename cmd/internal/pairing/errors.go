package pairing

import (
	"errors"
	"fmt"
)

// ErrInvalidPairingFormat is returned when a scanned payload is not a peer identifier.
var ErrInvalidPairingFormat = errors.New("invalid pairing format")

// FormatError carries the reason a payload was rejected.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	if e.Reason == "" {
		return ErrInvalidPairingFormat.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidPairingFormat, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrInvalidPairingFormat }

func formatErr(reason string) error { return &FormatError{Reason: reason} }
