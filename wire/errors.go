package wire

import (
	"github.com/pkg/errors"
)

var (
	ErrShortMessage     = errors.New("message shorter than header")
	ErrLengthMismatch   = errors.New("declared length does not match received bytes")
	ErrNotEvent         = errors.New("opcode not valid for a notification")
	ErrUnexpectedOpcode = errors.New("unexpected opcode")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrMissingStatus    = errors.New("error response without status")
	ErrDisconnected     = errors.New("peer disconnected")
)

// DesyncError marks a condition after which the two ends of a channel can no
// longer agree on message boundaries. There is no resynchronization marker in
// the protocol, so the only handling is to stop using the channel and exit.
type DesyncError struct {
	Op  string
	Err error
}

func (e *DesyncError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DesyncError) Unwrap() error {
	return e.Err
}

// Desync wraps err as a DesyncError attributed to op. A nil err stays nil.
func Desync(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DesyncError{Op: op, Err: err}
}

// IsDesync reports whether err, or anything it wraps, is a DesyncError.
func IsDesync(err error) bool {
	var d *DesyncError
	return errors.As(err, &d)
}
