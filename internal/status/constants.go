// internal/status/constants.go
package status

// Status register block layout constants.
// These values define the mirror protocol and MUST NOT be configurable.

// ---- BLOCK GEOMETRY ----

// SlotsPerDevice is the fixed number of registers per device.
const SlotsPerDevice = 32

// ---- HEALTH ----

// SlotHealthCode holds the supervisor health state.
const SlotHealthCode = 0

// SlotLastErrorCode holds the class of the last dropped request or fault.
const SlotLastErrorCode = 1

// SlotSecondsInError holds how long (in seconds) the OTA session has been faulted.
const SlotSecondsInError = 2

// ---- APPLICATION ----

const SlotAppStatus = 3
const SlotDeviceType = 4
const SlotBatteryMV = 5

// Positions are int32, stored high word first.
const SlotPosX = 6
const SlotPosY = 8

// ---- OTA PROGRESS ----

// SlotLastChunkAcked is int32 (-1 => 0xFFFF 0xFFFF), high word first.
const SlotLastChunkAcked = 10
const SlotChunkCount = 12
const SlotImageSize = 14

// ---- IDENTITY ----

// SlotDeviceID holds the 64-bit device id, most significant word first.
const SlotDeviceID = 16
const SlotDeviceIDSlots = 4

const SlotNetworkID = 20

// ---- RESERVED RANGE ----

// Slots 21–23 are reserved for future use.
const SlotReservedStart = 21
const SlotReservedEnd = 23

// ---- DEVICE NAME ----

// SlotDeviceNameStart is the first slot used for the device name.
// Device name is always placed at the END of the status block.
const SlotDeviceNameStart = 24

// SlotDeviceNameSlots is the number of slots reserved for the device name.
const SlotDeviceNameSlots = 8

// SlotDeviceNameEnd is the last slot used for the device name (inclusive).
const SlotDeviceNameEnd = SlotDeviceNameStart + SlotDeviceNameSlots - 1

// ---- LIMITS ----

// DeviceNameMaxChars is the maximum number of ASCII characters stored for device name.
const DeviceNameMaxChars = 16

// ---- HEALTH CODES ----

// HealthUnknown represents the boot state, before the first report.
const HealthUnknown uint16 = 0

// HealthOK represents a healthy supervisor.
const HealthOK uint16 = 1

// HealthError represents a faulted OTA session (flash failure).
const HealthError uint16 = 2

// HealthStale represents sensor readings that could not be refreshed.
const HealthStale uint16 = 3

// ---- ERROR CODES ----

const (
	ErrorNone      uint16 = 0
	ErrorProtocol  uint16 = 1
	ErrorIntegrity uint16 = 2
	ErrorFlash     uint16 = 3
	ErrorState     uint16 = 4
	ErrorOther     uint16 = 0xFFFF
)
