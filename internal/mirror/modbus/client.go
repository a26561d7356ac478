// internal/mirror/modbus/client.go
package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// MaxWriteRegisters is the FC 16 per-request limit.
const MaxWriteRegisters = 123

// StatusEndpoint writes a node's status block to one Modbus TCP unit. The
// unit is fixed when the endpoint is dialed.
type StatusEndpoint struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	addr    string
}

type Config struct {
	Endpoint string
	UnitID   uint8
	Timeout  time.Duration
}

// Dial connects to cfg.Endpoint and binds every later write to cfg.UnitID.
func Dial(cfg Config) (*StatusEndpoint, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("mirror modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("mirror modbus: connect %s: %w", cfg.Endpoint, err)
	}

	return &StatusEndpoint{
		handler: h,
		client:  modbus.NewClient(h),
		addr:    cfg.Endpoint,
	}, nil
}

func (e *StatusEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler.Close()
}

// WriteSlots writes regs starting at addr, split into FC 16 sized requests.
// A failed request drops the connection; the handler redials on the next
// write.
func (e *StatusEndpoint) WriteSlots(addr uint16, regs []uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, part := range splitWrites(addr, regs) {
		if _, err := e.client.WriteMultipleRegisters(part.addr, uint16(len(part.regs)), packRegisters(part.regs)); err != nil {
			_ = e.handler.Close()
			return fmt.Errorf("mirror modbus: %s write at %d: %w", e.addr, part.addr, err)
		}
	}
	return nil
}

type slotWrite struct {
	addr uint16
	regs []uint16
}

func splitWrites(addr uint16, regs []uint16) []slotWrite {
	var out []slotWrite
	for len(regs) > 0 {
		n := len(regs)
		if n > MaxWriteRegisters {
			n = MaxWriteRegisters
		}
		out = append(out, slotWrite{addr: addr, regs: regs[:n]})
		addr += uint16(n)
		regs = regs[n:]
	}
	return out
}

// packRegisters lays registers out big-endian, as the wire wants them.
func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
