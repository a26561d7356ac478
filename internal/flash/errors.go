// internal/flash/errors.go
package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for accesses outside the device.
	ErrOutOfRange = errors.New("flash: address out of range")

	// ErrNotErased is returned when programming would need to set a bit
	// that is currently cleared. NOR flash can only clear bits; the page
	// must be erased first.
	ErrNotErased = errors.New("flash: target not erased")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("flash: device closed")
)

// FlashError is a failed erase or write. There is no recovery path: the
// image region may be left partially written.
type FlashError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("flash %s at 0x%08X: %v", e.Op, e.Addr, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// IsFlashError returns true if err is or wraps a *FlashError.
func IsFlashError(err error) bool {
	var fe *FlashError
	return errors.As(err, &fe)
}
