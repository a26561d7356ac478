// internal/status/snapshot.go
package status

import (
	"github.com/swarmit/supervisor/internal/appstate"
	"github.com/swarmit/supervisor/internal/flash"
	"github.com/swarmit/supervisor/internal/ota"
	"github.com/swarmit/supervisor/internal/protocol"
)

// Snapshot is what the supervisor reports at one instant.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	Device    protocol.DeviceType
	App       protocol.ApplicationStatus
	BatteryMV uint16
	Position  protocol.Position

	Health         uint16
	LastErrorCode  uint16
	SecondsInError uint16

	LastChunkAcked int32
	ChunkCount     uint32
	ImageSize      uint32

	DeviceID  uint64
	NetworkID uint16
}

// Frame is the part of the snapshot carried by a STATUS notification.
func (s Snapshot) Frame() protocol.Status {
	return protocol.Status{
		Device:    s.Device,
		App:       s.App,
		BatteryMV: s.BatteryMV,
		Position:  s.Position,
	}
}

// ErrorCode classifies err for SlotLastErrorCode.
func ErrorCode(err error) uint16 {
	switch {
	case err == nil:
		return ErrorNone
	case protocol.IsProtocolError(err):
		return ErrorProtocol
	case ota.IsIntegrityError(err):
		return ErrorIntegrity
	case flash.IsFlashError(err):
		return ErrorFlash
	case appstate.IsStateError(err):
		return ErrorState
	default:
		return ErrorOther
	}
}
