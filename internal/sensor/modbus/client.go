// internal/sensor/modbus/client.go
package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Client implements sensor.Client using Modbus TCP.
// It is geometry-only: it issues reads and unpacks raw registers.
type Client struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// Config is minimal transport config.
type Config struct {
	Endpoint string
	UnitID   uint8
	Timeout  time.Duration
}

// New creates a connected Modbus TCP client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sensor modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("sensor modbus: connect %s: %w", cfg.Endpoint, err)
	}

	return &Client{
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// Close closes the TCP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

func (c *Client) ReadHoldingRegisters(addr, qty uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.client.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, err
	}
	return unpackRegisters(raw, qty)
}

func (c *Client) ReadInputRegisters(addr, qty uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.client.ReadInputRegisters(addr, qty)
	if err != nil {
		return nil, err
	}
	return unpackRegisters(raw, qty)
}

// ---- helpers (pure geometry) ----

// unpackRegisters decodes big-endian register bytes.
func unpackRegisters(data []byte, qty uint16) ([]uint16, error) {
	if len(data) != int(qty)*2 {
		return nil, fmt.Errorf("sensor modbus: expected %d register bytes, got %d", int(qty)*2, len(data))
	}
	out := make([]uint16, qty)
	for i := range out {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out, nil
}
