// internal/protocol/constants.go
package protocol

import (
	"fmt"
	"strings"
)

// MessageType is the first byte of every swarmit frame.
type MessageType uint8

// ---- REQUESTS (gateway -> node) ----

const (
	MsgStatus   MessageType = 0x80
	MsgStart    MessageType = 0x81
	MsgStop     MessageType = 0x82
	MsgReset    MessageType = 0x83
	MsgOtaStart MessageType = 0x84
	MsgOtaChunk MessageType = 0x85
)

// ---- NOTIFICATIONS (node -> gateway) ----

const (
	MsgOtaStartAck MessageType = 0x86
	MsgOtaChunkAck MessageType = 0x87
	MsgGPIOEvent   MessageType = 0x88
	MsgLogEvent    MessageType = 0x89
)

// ---- DATA / MESH ----

// MsgMessage is a custom application message. It is data traffic and is
// only forwarded to a running user image.
const MsgMessage MessageType = 0xA0

// MsgMetricsProbe is the mesh stack metrics probe. It is recognized by tag
// and exact payload size (MetricsProbeSize).
const MsgMetricsProbe MessageType = 0x90

// IsControl reports whether t falls in the control-message range. Control
// frames are always processed regardless of application status.
func (t MessageType) IsControl() bool {
	return t >= MsgStatus && t <= MsgOtaChunk
}

func (t MessageType) String() string {
	switch t {
	case MsgStatus:
		return "STATUS"
	case MsgStart:
		return "START"
	case MsgStop:
		return "STOP"
	case MsgReset:
		return "RESET"
	case MsgOtaStart:
		return "OTA_START"
	case MsgOtaChunk:
		return "OTA_CHUNK"
	case MsgOtaStartAck:
		return "OTA_START_ACK"
	case MsgOtaChunkAck:
		return "OTA_CHUNK_ACK"
	case MsgGPIOEvent:
		return "GPIO_EVENT"
	case MsgLogEvent:
		return "LOG_EVENT"
	case MsgMessage:
		return "MESSAGE"
	case MsgMetricsProbe:
		return "METRICS_PROBE"
	default:
		return fmt.Sprintf("0x%02X", uint8(t))
	}
}

// ---- ADDRESSES ----

const (
	BroadcastAddress uint64 = 0xFFFFFFFFFFFFFFFF
	GatewayAddress   uint64 = 0x0000000000000000
)

// ---- OTA GEOMETRY ----

// ChunkSize is the fixed OTA chunk payload size in bytes.
const ChunkSize = 128

// DigestSize is the full SHA-256 digest length.
const DigestSize = 32

// ShortDigestSize is the digest length carried by single-core nodes and the
// python testbed.
const ShortDigestSize = 8

// MaxLogLength bounds the user log payload carried by LOG_EVENT.
const MaxLogLength = 127

// ---- NETWORK ----

// DefaultNetworkID is used when no network config blob is present.
const DefaultNetworkID uint16 = 0x12AA

// NetConfigMagic marks a valid network config blob ("SWRM").
const NetConfigMagic uint32 = 0x5753524D

// ---- APPLICATION STATUS ----

// ApplicationStatus is the lifecycle state of the user application as seen
// by the resident supervisor.
type ApplicationStatus uint8

const (
	StatusReady       ApplicationStatus = 0
	StatusRunning     ApplicationStatus = 1
	StatusStopping    ApplicationStatus = 2
	StatusResetting   ApplicationStatus = 3
	StatusProgramming ApplicationStatus = 4
)

var statusNames = [...]string{"ready", "running", "stopping", "resetting", "programming"}

func (s ApplicationStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseApplicationStatus is the inverse of String.
func ParseApplicationStatus(name string) (ApplicationStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return ApplicationStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown application status %q", name)
}

// ---- DEVICE TYPE ----

type DeviceType uint8

const (
	DeviceUnknown    DeviceType = 0
	DeviceDotBotV3   DeviceType = 1
	DeviceDotBotV2   DeviceType = 2
	DeviceNRF5340DK  DeviceType = 3
	DeviceNRF52840DK DeviceType = 4
)

var deviceNames = [...]string{"unknown", "dotbot-v3", "dotbot-v2", "nrf5340dk", "nrf52840dk"}

func (d DeviceType) String() string {
	if int(d) < len(deviceNames) {
		return deviceNames[d]
	}
	return fmt.Sprintf("device(%d)", uint8(d))
}

// ParseDeviceType accepts the names produced by String, case-insensitive.
func ParseDeviceType(name string) (DeviceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DeviceUnknown, nil
	}
	for i, n := range deviceNames {
		if n == name {
			return DeviceType(i), nil
		}
	}
	return DeviceUnknown, fmt.Errorf("unknown device type %q", name)
}
