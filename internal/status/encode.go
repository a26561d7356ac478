// internal/status/encode.go
package status

import (
	"github.com/swarmit/supervisor/internal/protocol"
)

// Encode converts a Snapshot into a full status register block.
// Layout is protocol-locked. The device name slots are left zero; the
// mirror fills them on full writes.
// No IO. No side effects.
func Encode(s Snapshot) []uint16 {
	regs := make([]uint16, SlotsPerDevice)

	regs[SlotHealthCode] = s.Health
	regs[SlotLastErrorCode] = s.LastErrorCode
	regs[SlotSecondsInError] = s.SecondsInError

	regs[SlotAppStatus] = uint16(s.App)
	regs[SlotDeviceType] = uint16(s.Device)
	regs[SlotBatteryMV] = s.BatteryMV
	putUint32(regs, SlotPosX, uint32(s.Position.X))
	putUint32(regs, SlotPosY, uint32(s.Position.Y))

	putUint32(regs, SlotLastChunkAcked, uint32(s.LastChunkAcked))
	putUint32(regs, SlotChunkCount, s.ChunkCount)
	putUint32(regs, SlotImageSize, s.ImageSize)

	for i := 0; i < SlotDeviceIDSlots; i++ {
		shift := uint(16 * (SlotDeviceIDSlots - 1 - i))
		regs[SlotDeviceID+i] = uint16(s.DeviceID >> shift)
	}
	regs[SlotNetworkID] = s.NetworkID

	return regs
}

// EncodeFrame builds the STATUS notification for s.
func EncodeFrame(s Snapshot) []byte {
	return protocol.EncodeStatus(s.Frame())
}

func putUint32(regs []uint16, slot int, v uint32) {
	regs[slot] = uint16(v >> 16)
	regs[slot+1] = uint16(v)
}

// EncodeDeviceName packs up to 16 ASCII characters into 8 registers.
// Each register stores two ASCII bytes in big-endian order.
func EncodeDeviceName(name string) []uint16 {
	out := make([]uint16, SlotDeviceNameSlots)

	b := []byte(name)
	if len(b) > DeviceNameMaxChars {
		b = b[:DeviceNameMaxChars]
	}

	// sanitize to printable ASCII
	for i := 0; i < len(b); i++ {
		if b[i] < 0x20 || b[i] > 0x7E {
			b[i] = '?'
		}
	}

	for i := 0; i < DeviceNameMaxChars; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		out[i/2] = uint16(hi)<<8 | uint16(lo)
	}

	return out
}
