// internal/dispatch/dispatch.go
package dispatch

import (
	"github.com/swarmit/supervisor/internal/link"
	"github.com/swarmit/supervisor/internal/protocol"
)

// Kind is what an inbound frame turned out to be.
type Kind uint8

const (
	KindNone Kind = iota
	KindRequest
	KindMetrics
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindMetrics:
		return "metrics"
	case KindData:
		return "data"
	default:
		return "none"
	}
}

// Frame is a classified, copied inbound packet.
type Frame struct {
	Kind    Kind
	Src     uint64
	Dst     uint64
	Payload []byte
}

// StatusReader exposes the current application status. Classification
// only reads it.
type StatusReader interface {
	Status() protocol.ApplicationStatus
}

// Config identifies the node frames are filtered for.
type Config struct {
	// DeviceID is this node's address, used to filter unicast data
	DeviceID uint64

	// DigestLength is the OTA_CHUNK digest length on this network (8 or 32)
	DigestLength int
}

// Dispatcher classifies raw frames on the receive path and decodes
// control frames on the management path.
type Dispatcher struct {
	deviceID  uint64
	digestLen int
	state     StatusReader
}

// New returns a dispatcher. Any digest length other than 32 means 8.
func New(state StatusReader, cfg Config) *Dispatcher {
	if cfg.DigestLength != protocol.DigestSize {
		cfg.DigestLength = protocol.ShortDigestSize
	}
	return &Dispatcher{
		deviceID:  cfg.DeviceID,
		digestLen: cfg.DigestLength,
		state:     state,
	}
}

// Classify decides what pkt is and copies its payload. It never decodes
// beyond the tag byte and never blocks.
//
// Control tags are always accepted. A metrics probe must have the exact
// probe size. Anything else is user data, kept only while the application
// is running and only when addressed to broadcast or this device.
func (d *Dispatcher) Classify(pkt link.Packet) Frame {
	if len(pkt.Payload) == 0 {
		return Frame{Kind: KindNone}
	}

	kind := KindNone
	switch {
	case protocol.MessageType(pkt.Payload[0]).IsControl():
		kind = KindRequest
	case protocol.IsMetricsProbe(pkt.Payload):
		kind = KindMetrics
	case d.state.Status() != protocol.StatusRunning:
		return Frame{Kind: KindNone}
	case pkt.Dst != protocol.BroadcastAddress && pkt.Dst != d.deviceID:
		return Frame{Kind: KindNone}
	default:
		kind = KindData
	}

	return Frame{
		Kind:    kind,
		Src:     pkt.Src,
		Dst:     pkt.Dst,
		Payload: append([]byte(nil), pkt.Payload...),
	}
}

// Decode turns a control frame into a typed request.
func (d *Dispatcher) Decode(payload []byte) (protocol.Request, error) {
	return protocol.DecodeRequest(payload, d.digestLen)
}

// DigestLength is the OTA_CHUNK digest length this dispatcher expects.
func (d *Dispatcher) DigestLength() int { return d.digestLen }
