// internal/protocol/codec.go
package protocol

import (
	"encoding/binary"
)

// StatusFrameSize is the encoded size of a STATUS notification.
const StatusFrameSize = 1 + 1 + 1 + 2 + 4 + 4

// otaChunkHeaderSize excludes the digest, whose length depends on the sender.
const otaChunkHeaderSize = 1 + 4 + 1

var le = binary.LittleEndian

// --------------------
// Requests
// --------------------

// DecodeRequest decodes a control frame. digestLen is the digest length
// carried by OTA_CHUNK frames on this network (8 or 32).
func DecodeRequest(frame []byte, digestLen int) (Request, error) {
	if len(frame) == 0 {
		return nil, malformed(0, "empty frame")
	}
	if digestLen <= 0 {
		digestLen = ShortDigestSize
	}

	t := MessageType(frame[0])
	body := frame[1:]

	switch t {
	case MsgStatus:
		return StatusRequest{}, nil
	case MsgStart:
		return StartRequest{}, nil
	case MsgStop:
		return StopRequest{}, nil

	case MsgReset:
		if len(body) < 8 {
			return nil, malformed(t, "need 8 bytes of position, got %d", len(body))
		}
		return ResetRequest{Target: Position{
			X: int32(le.Uint32(body[0:4])),
			Y: int32(le.Uint32(body[4:8])),
		}}, nil

	case MsgOtaStart:
		if len(body) < 8 {
			return nil, malformed(t, "need 8 bytes, got %d", len(body))
		}
		return OtaStartRequest{
			ImageSize:  le.Uint32(body[0:4]),
			ChunkCount: le.Uint32(body[4:8]),
		}, nil

	case MsgOtaChunk:
		if len(frame) < otaChunkHeaderSize+digestLen {
			return nil, malformed(t, "short frame (%d bytes)", len(frame))
		}
		req := OtaChunkRequest{
			Index: le.Uint32(body[0:4]),
			Size:  body[4],
		}
		if int(req.Size) > ChunkSize {
			return nil, malformed(t, "chunk size %d exceeds %d", req.Size, ChunkSize)
		}
		rest := body[5:]
		req.Digest = append([]byte(nil), rest[:digestLen]...)
		rest = rest[digestLen:]
		if len(rest) < int(req.Size) {
			return nil, malformed(t, "chunk declares %d bytes, carries %d", req.Size, len(rest))
		}
		req.Data = append([]byte(nil), rest[:req.Size]...)
		return req, nil

	default:
		return nil, malformed(t, "not a request")
	}
}

// EncodeRequest is the gateway-side counterpart of DecodeRequest.
func EncodeRequest(r Request) ([]byte, error) {
	switch req := r.(type) {
	case StatusRequest, StartRequest, StopRequest:
		return []byte{byte(r.Type())}, nil

	case ResetRequest:
		out := make([]byte, 9)
		out[0] = byte(MsgReset)
		le.PutUint32(out[1:5], uint32(req.Target.X))
		le.PutUint32(out[5:9], uint32(req.Target.Y))
		return out, nil

	case OtaStartRequest:
		out := make([]byte, 9)
		out[0] = byte(MsgOtaStart)
		le.PutUint32(out[1:5], req.ImageSize)
		le.PutUint32(out[5:9], req.ChunkCount)
		return out, nil

	case OtaChunkRequest:
		if len(req.Data) > ChunkSize {
			return nil, malformed(MsgOtaChunk, "chunk of %d bytes exceeds %d", len(req.Data), ChunkSize)
		}
		if len(req.Digest) == 0 {
			return nil, malformed(MsgOtaChunk, "missing digest")
		}
		out := make([]byte, 0, otaChunkHeaderSize+len(req.Digest)+len(req.Data))
		out = append(out, byte(MsgOtaChunk))
		out = le.AppendUint32(out, req.Index)
		out = append(out, byte(len(req.Data)))
		out = append(out, req.Digest...)
		out = append(out, req.Data...)
		return out, nil

	default:
		return nil, malformed(0, "unsupported request %T", r)
	}
}

// --------------------
// Notifications
// --------------------

// EncodeStatus builds a STATUS notification.
func EncodeStatus(s Status) []byte {
	out := make([]byte, StatusFrameSize)
	out[0] = byte(MsgStatus)
	out[1] = byte(s.Device)
	out[2] = byte(s.App)
	le.PutUint16(out[3:5], s.BatteryMV)
	le.PutUint32(out[5:9], uint32(s.Position.X))
	le.PutUint32(out[9:13], uint32(s.Position.Y))
	return out
}

// DecodeStatus parses a STATUS notification.
func DecodeStatus(frame []byte) (Status, error) {
	if len(frame) < StatusFrameSize || MessageType(frame[0]) != MsgStatus {
		return Status{}, malformed(MsgStatus, "bad status frame (%d bytes)", len(frame))
	}
	return Status{
		Device:    DeviceType(frame[1]),
		App:       ApplicationStatus(frame[2]),
		BatteryMV: le.Uint16(frame[3:5]),
		Position: Position{
			X: int32(le.Uint32(frame[5:9])),
			Y: int32(le.Uint32(frame[9:13])),
		},
	}, nil
}

func EncodeOtaStartAck() []byte {
	return []byte{byte(MsgOtaStartAck)}
}

func EncodeOtaChunkAck(index uint32) []byte {
	out := make([]byte, 5)
	out[0] = byte(MsgOtaChunkAck)
	le.PutUint32(out[1:], index)
	return out
}

func DecodeOtaChunkAck(frame []byte) (uint32, error) {
	if len(frame) < 5 || MessageType(frame[0]) != MsgOtaChunkAck {
		return 0, malformed(MsgOtaChunkAck, "bad ack frame (%d bytes)", len(frame))
	}
	return le.Uint32(frame[1:5]), nil
}

// EncodeLogEvent builds a LOG_EVENT notification. Data longer than
// MaxLogLength is truncated.
func EncodeLogEvent(ev LogEvent) []byte {
	data := ev.Data
	if len(data) > MaxLogLength {
		data = data[:MaxLogLength]
	}
	out := make([]byte, 0, 6+len(data))
	out = append(out, byte(MsgLogEvent))
	out = le.AppendUint32(out, ev.Timestamp)
	out = append(out, byte(len(data)))
	return append(out, data...)
}

func DecodeLogEvent(frame []byte) (LogEvent, error) {
	if len(frame) < 6 || MessageType(frame[0]) != MsgLogEvent {
		return LogEvent{}, malformed(MsgLogEvent, "bad log frame (%d bytes)", len(frame))
	}
	n := int(frame[5])
	if len(frame) < 6+n {
		return LogEvent{}, malformed(MsgLogEvent, "log declares %d bytes, carries %d", n, len(frame)-6)
	}
	return LogEvent{
		Timestamp: le.Uint32(frame[1:5]),
		Data:      append([]byte(nil), frame[6:6+n]...),
	}, nil
}

// EncodeGPIOEvent wraps a device-specific GPIO event payload.
func EncodeGPIOEvent(data []byte) []byte {
	return append([]byte{byte(MsgGPIOEvent)}, data...)
}

// EncodeMessage builds a custom text message (data traffic).
func EncodeMessage(msg []byte) []byte {
	if len(msg) > 255 {
		msg = msg[:255]
	}
	out := make([]byte, 0, 2+len(msg))
	out = append(out, byte(MsgMessage), byte(len(msg)))
	return append(out, msg...)
}

func DecodeMessage(frame []byte) ([]byte, error) {
	if len(frame) < 2 || MessageType(frame[0]) != MsgMessage {
		return nil, malformed(MsgMessage, "bad message frame (%d bytes)", len(frame))
	}
	n := int(frame[1])
	if len(frame) < 2+n {
		return nil, malformed(MsgMessage, "message declares %d bytes, carries %d", n, len(frame)-2)
	}
	return append([]byte(nil), frame[2:2+n]...), nil
}

// --------------------
// Network config blob
// --------------------

// DecodeNetConfig reads the network id from the 8-byte config blob stored
// in flash. Missing or invalid blobs yield DefaultNetworkID.
func DecodeNetConfig(blob []byte) uint16 {
	if len(blob) < 8 || le.Uint32(blob[0:4]) != NetConfigMagic {
		return DefaultNetworkID
	}
	return uint16(le.Uint32(blob[4:8]) & 0xFFFF)
}

func EncodeNetConfig(netID uint16) []byte {
	out := make([]byte, 8)
	le.PutUint32(out[0:4], NetConfigMagic)
	le.PutUint32(out[4:8], uint32(netID))
	return out
}
