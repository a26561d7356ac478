// internal/protocol/types.go
package protocol

// Request is a decoded control frame.
type Request interface {
	Type() MessageType
}

// StatusRequest asks for an immediate STATUS notification.
type StatusRequest struct{}

// StartRequest boots the programmed user image.
type StartRequest struct{}

// StopRequest stops the running user image through a watchdog reset.
type StopRequest struct{}

// ResetRequest carries the position the robot must return to.
type ResetRequest struct {
	Target Position
}

// OtaStartRequest opens an update session.
type OtaStartRequest struct {
	ImageSize  uint32
	ChunkCount uint32
}

// OtaChunkRequest carries one image chunk and its expected digest.
// Digest holds 8 or 32 bytes depending on the sender.
type OtaChunkRequest struct {
	Index  uint32
	Size   uint8
	Digest []byte
	Data   []byte
}

func (StatusRequest) Type() MessageType   { return MsgStatus }
func (StartRequest) Type() MessageType    { return MsgStart }
func (StopRequest) Type() MessageType     { return MsgStop }
func (ResetRequest) Type() MessageType    { return MsgReset }
func (OtaStartRequest) Type() MessageType { return MsgOtaStart }
func (OtaChunkRequest) Type() MessageType { return MsgOtaChunk }

// Position is a 2D position in millimeters, as reported by the localization
// system.
type Position struct {
	X int32
	Y int32
}

// Status is the content of a STATUS notification.
type Status struct {
	Device    DeviceType
	App       ApplicationStatus
	BatteryMV uint16
	Position  Position
}

// LogEvent is a user application log line relayed to the gateway.
type LogEvent struct {
	Timestamp uint32
	Data      []byte
}
