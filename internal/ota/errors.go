// internal/ota/errors.go
package ota

import (
	"errors"
	"fmt"
)

// IntegrityError is a chunk whose digest does not match its content. The
// chunk is dropped without a response; the sender retries.
type IntegrityError struct {
	Index uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest mismatch for chunk %d", e.Index)
}

// IsIntegrityError returns true if err is or wraps an *IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

var errNothingPending = errors.New("ota: no accepted chunk to commit")
