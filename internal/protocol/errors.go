// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
)

// ProtocolError is a malformed or out-of-range frame. The receiver drops
// the frame and sends nothing back.
type ProtocolError struct {
	// Type is the message tag being decoded (0 when the frame was empty)
	Type MessageType

	// Reason is a short description of what was wrong
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Type, e.Reason)
}

// IsProtocolError returns true if err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func malformed(t MessageType, format string, args ...interface{}) error {
	return &ProtocolError{Type: t, Reason: fmt.Sprintf(format, args...)}
}
