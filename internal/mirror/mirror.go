// internal/mirror/mirror.go
package mirror

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarmit/supervisor/internal/config"
	mmodbus "github.com/swarmit/supervisor/internal/mirror/modbus"
	"github.com/swarmit/supervisor/internal/status"
)

// StatusWriter is the delivery-only contract for the status block.
// It receives a snapshot and writes it verbatim.
// No logic, no interpretation.
type StatusWriter interface {
	WriteStatus(s status.Snapshot) error
}

// endpointClient is the write side of a Modbus endpoint bound to one unit.
type endpointClient interface {
	WriteSlots(addr uint16, regs []uint16) error
}

// Plan says where the block lives.
type Plan struct {
	Endpoint   string
	BaseSlot   uint16
	DeviceName string
}

// Mirror writes status snapshots to a Modbus endpoint.
type Mirror struct {
	plan Plan
	cli  endpointClient

	needFull bool
	last     []uint16
	nameRegs []uint16
}

// New builds a mirror over cli.
func New(plan Plan, cli endpointClient) (*Mirror, error) {
	if cli == nil {
		return nil, fmt.Errorf("mirror: missing client for endpoint %s", plan.Endpoint)
	}
	return &Mirror{
		plan:     plan,
		cli:      cli,
		needFull: true, // full re-assert on first successful write
		nameRegs: status.EncodeDeviceName(plan.DeviceName),
	}, nil
}

// Build connects the mirror described by cfg. A nil cfg means the mirror
// is disabled.
func Build(cfg *config.MirrorConfig, deviceName string) (*Mirror, func() error, error) {
	if cfg == nil {
		return nil, nil, nil
	}
	if cfg.UnitID > 255 {
		return nil, nil, fmt.Errorf("mirror: unit id %d out of range", cfg.UnitID)
	}
	cli, err := mmodbus.Dial(mmodbus.Config{
		Endpoint: cfg.Endpoint,
		UnitID:   uint8(cfg.UnitID),
		Timeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mirror: %w", err)
	}
	m, err := New(Plan{
		Endpoint:   cfg.Endpoint,
		BaseSlot:   cfg.BaseSlot,
		DeviceName: deviceName,
	}, cli)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return m, cli.Close, nil
}

// WriteStatus delivers a snapshot into status memory.
// On any write failure, the next successful call will re-assert the full block.
func (m *Mirror) WriteStatus(s status.Snapshot) error {
	if m == nil {
		return errors.New("mirror: disabled")
	}

	regs := status.Encode(s)
	baseAddr := m.baseAddr()

	// ------------------------------------------------------------
	// Full block write (identity re-assert)
	// ------------------------------------------------------------
	if m.needFull {
		full := m.fullBlockRegs(regs)

		if err := m.cli.WriteSlots(baseAddr, full); err != nil {
			m.needFull = true
			return fmt.Errorf("mirror: full block write failed: %w", err)
		}

		m.needFull = false
		m.last = regs
		return nil
	}

	// ------------------------------------------------------------
	// Incremental: one write per run of changed live slots
	// ------------------------------------------------------------
	var errs []string

	for start := 0; start < status.SlotDeviceNameStart; {
		if regs[start] == m.last[start] {
			start++
			continue
		}
		end := start
		for end+1 < status.SlotDeviceNameStart && regs[end+1] != m.last[end+1] {
			end++
		}

		run := regs[start : end+1]
		if err := m.cli.WriteSlots(baseAddr+uint16(start), run); err != nil {
			errs = append(errs, fmt.Sprintf("slots %d-%d write failed: %v", start, end, err))
		} else {
			copy(m.last[start:end+1], run)
		}
		start = end + 1
	}

	if len(errs) > 0 {
		// Any partial failure introduces doubt; re-assert on next success.
		m.needFull = true
		return errors.New("mirror: " + strings.Join(errs, " | "))
	}

	return nil
}

func (m *Mirror) baseAddr() uint16 {
	// Each device owns a fixed SlotsPerDevice block.
	return m.plan.BaseSlot * status.SlotsPerDevice
}

func (m *Mirror) fullBlockRegs(live []uint16) []uint16 {
	regs := make([]uint16, status.SlotsPerDevice)
	copy(regs, live[:status.SlotDeviceNameStart])

	// Device name always lives at the end of the block
	copy(regs[status.SlotDeviceNameStart:], m.nameRegs)

	return regs
}
