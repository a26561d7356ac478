// internal/dispatch/metrics.go
package dispatch

import (
	"github.com/swarmit/supervisor/internal/protocol"
)

// Metrics keeps the node-side probe counters. Owned by the management
// goroutine.
type Metrics struct {
	rx uint32
	tx uint32
}

// Apply fills the node fields of a probe and returns the frame to send
// back to the gateway. asn is the current slot number, rssi the signal
// strength of the received probe.
func (m *Metrics) Apply(frame []byte, asn uint64, rssi int8) ([]byte, error) {
	probe, err := protocol.DecodeMetricsProbe(frame)
	if err != nil {
		return nil, err
	}

	m.rx++
	m.tx++
	probe.NodeRxCount = m.rx
	probe.NodeRxASN = asn
	probe.NodeTxCount = m.tx
	probe.NodeTxEnqueuedASN = asn
	probe.RSSIAtNode = rssi

	return protocol.EncodeMetricsProbe(probe), nil
}

func (m *Metrics) Counters() (rx, tx uint32) { return m.rx, m.tx }
