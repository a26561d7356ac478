// internal/handoff/handoff.go
package handoff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// ResetCause is why the device last came out of reset.
type ResetCause uint8

const (
	CausePowerOn ResetCause = iota
	CauseSoftRequest
	CauseWatchdog
	CauseDebugger
)

func (c ResetCause) String() string {
	switch c {
	case CausePowerOn:
		return "power-on"
	case CauseSoftRequest:
		return "soft-request"
	case CauseWatchdog:
		return "watchdog"
	case CauseDebugger:
		return "debugger"
	default:
		return fmt.Sprintf("cause(%d)", uint8(c))
	}
}

// Mode is the boot decision.
type Mode uint8

const (
	// ModeSupervisor stays in the resident supervisor (Ready).
	ModeSupervisor Mode = iota

	// ModeResume transfers control to the user image (Running).
	ModeResume
)

func (m Mode) String() string {
	if m == ModeResume {
		return "resume"
	}
	return "supervisor"
}

// Decide is made once per boot: only a soft reset requested through START
// resumes the user image. Watchdog expiry (STOP) and everything else land
// in the supervisor.
func Decide(cause ResetCause) Mode {
	if cause == CauseSoftRequest {
		return ModeResume
	}
	return ModeSupervisor
}

// ErrNoImage means the image region holds no vector table.
var ErrNoImage = errors.New("handoff: no user image")

const erasedWord = 0xFFFFFFFF

// VectorTable is the head of the user image.
type VectorTable struct {
	MSP          uint32 // initial main stack pointer
	ResetHandler uint32
}

// ReadVectorTable reads the table at the start of the image region.
func ReadVectorTable(r io.ReaderAt) (VectorTable, error) {
	var b [8]byte
	if _, err := r.ReadAt(b[:], 0); err != nil {
		return VectorTable{}, fmt.Errorf("handoff: read vector table: %w", err)
	}
	vt := VectorTable{
		MSP:          binary.LittleEndian.Uint32(b[0:4]),
		ResetHandler: binary.LittleEndian.Uint32(b[4:8]),
	}
	if vt.MSP == erasedWord || vt.ResetHandler == erasedWord {
		return VectorTable{}, ErrNoImage
	}
	return vt, nil
}

// Watchdog is the hardware watchdog guarding the user image. Once started
// it cannot be stopped; missing kicks for the timeout resets the device.
type Watchdog interface {
	Start(timeout time.Duration)
	Kick()

	// Expired is closed when the watchdog fires.
	Expired() <-chan struct{}
}

// Env is what a launched image can call back into.
type Env interface {
	PostLog(msg []byte)
	PostGPIOEvent(payload []byte)
}

// App is a launched user image.
type App interface {
	// Halt stops the image and the watchdog servicing with it.
	Halt()

	// Deliver hands a data frame received over the mesh to the image.
	Deliver(payload []byte)
}

// Launcher transfers control to a user image.
type Launcher interface {
	Launch(ctx context.Context, vt VectorTable, wd Watchdog, env Env) (App, error)
}
