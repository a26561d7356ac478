// internal/protocol/metrics.go
package protocol

// MetricsProbeSize is the exact frame size of a metrics probe, tag included.
// A frame with the probe tag and any other size is ordinary data.
const MetricsProbeSize = 43

// MetricsProbe is the link-quality probe sent by the gateway. The node fills
// its own counters, ASNs and RSSI and sends it straight back.
type MetricsProbe struct {
	GatewayTxCount    uint32
	GatewayRxCount    uint32
	NodeRxCount       uint32
	NodeRxASN         uint64
	NodeTxCount       uint32
	NodeTxEnqueuedASN uint64
	GatewayRxASN      uint64
	RSSIAtNode        int8
	RSSIAtGateway     int8
}

// IsMetricsProbe reports whether frame is a metrics probe.
func IsMetricsProbe(frame []byte) bool {
	return len(frame) == MetricsProbeSize && MessageType(frame[0]) == MsgMetricsProbe
}

func DecodeMetricsProbe(frame []byte) (MetricsProbe, error) {
	if !IsMetricsProbe(frame) {
		return MetricsProbe{}, malformed(MsgMetricsProbe, "bad probe frame (%d bytes)", len(frame))
	}
	b := frame[1:]
	return MetricsProbe{
		GatewayTxCount:    le.Uint32(b[0:4]),
		GatewayRxCount:    le.Uint32(b[4:8]),
		NodeRxCount:       le.Uint32(b[8:12]),
		NodeRxASN:         le.Uint64(b[12:20]),
		NodeTxCount:       le.Uint32(b[20:24]),
		NodeTxEnqueuedASN: le.Uint64(b[24:32]),
		GatewayRxASN:      le.Uint64(b[32:40]),
		RSSIAtNode:        int8(b[40]),
		RSSIAtGateway:     int8(b[41]),
	}, nil
}

func EncodeMetricsProbe(p MetricsProbe) []byte {
	out := make([]byte, 0, MetricsProbeSize)
	out = append(out, byte(MsgMetricsProbe))
	out = le.AppendUint32(out, p.GatewayTxCount)
	out = le.AppendUint32(out, p.GatewayRxCount)
	out = le.AppendUint32(out, p.NodeRxCount)
	out = le.AppendUint64(out, p.NodeRxASN)
	out = le.AppendUint32(out, p.NodeTxCount)
	out = le.AppendUint64(out, p.NodeTxEnqueuedASN)
	out = le.AppendUint64(out, p.GatewayRxASN)
	return append(out, byte(p.RSSIAtNode), byte(p.RSSIAtGateway))
}
