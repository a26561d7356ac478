// internal/sensor/poller.go
package sensor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Client abstracts the Modbus reads the poller needs.
type Client interface {
	ReadHoldingRegisters(addr, qty uint16) ([]uint16, error) // FC 3
	ReadInputRegisters(addr, qty uint16) ([]uint16, error)   // FC 4
}

// ClientFactory makes one connection attempt.
type ClientFactory func() (Client, error)

// Config is the minimal runtime config the poller needs.
type Config struct {
	Name     string
	Interval time.Duration

	Battery Register
	PosX    Register
	PosY    Register

	// MaxAge marks readings older than this as stale (0 = never)
	MaxAge time.Duration
}

// Poller is a dumb, clock-driven reader of a sensor board. It keeps the
// latest good reading and implements Battery and Position.
type Poller struct {
	cfg     Config
	factory ClientFactory
	now     func() time.Time

	mu     sync.Mutex
	client Client
	latest Reading
	ok     bool
}

// New creates a poller with immutable config. client may be nil if factory
// is set; a failed client is dropped and replaced through factory on a
// later poll.
func New(cfg Config, client Client, factory ClientFactory) (*Poller, error) {
	if cfg.Name == "" {
		return nil, errors.New("sensor: name required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("sensor: interval must be > 0")
	}
	if client == nil && factory == nil {
		return nil, errors.New("sensor: client or factory required")
	}
	for _, r := range []Register{cfg.Battery, cfg.PosX, cfg.PosY} {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return &Poller{cfg: cfg, client: client, factory: factory, now: time.Now}, nil
}

func (r Register) validate() error {
	if r.FC != 3 && r.FC != 4 {
		return fmt.Errorf("sensor: unsupported function code %d", r.FC)
	}
	if r.Words != 1 && r.Words != 2 {
		return fmt.Errorf("sensor: register at %d must be 1 or 2 words", r.Address)
	}
	return nil
}

// PollOnce performs exactly one poll cycle.
// All-or-nothing: any failure aborts the cycle and keeps the last reading.
func (p *Poller) PollOnce() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := Reading{At: p.now()}

	if p.client == nil {
		if p.factory == nil {
			res.Err = ErrNoReading
			return res
		}
		c, err := p.factory()
		if err != nil {
			res.Err = err
			return res
		}
		p.client = c
	}

	batt, err := p.read(p.cfg.Battery)
	if err == nil {
		res.BatteryMV = uint16(batt)
		var x, y uint32
		if x, err = p.read(p.cfg.PosX); err == nil {
			if y, err = p.read(p.cfg.PosY); err == nil {
				res.X, res.Y = int32(x), int32(y)
			}
		}
	}
	if err != nil {
		res.Err = err
		p.dropClient()
		return res
	}

	// Commit only if all reads succeeded
	p.latest = res
	p.ok = true
	return res
}

func (p *Poller) read(r Register) (uint32, error) {
	var regs []uint16
	var err error
	switch r.FC {
	case 3:
		regs, err = p.client.ReadHoldingRegisters(r.Address, r.Words)
	case 4:
		regs, err = p.client.ReadInputRegisters(r.Address, r.Words)
	}
	if err != nil {
		return 0, err
	}
	if len(regs) != int(r.Words) {
		return 0, fmt.Errorf("sensor: read %d registers at %d, want %d", len(regs), r.Address, r.Words)
	}
	if r.Words == 1 {
		return uint32(regs[0]), nil
	}
	return uint32(regs[0])<<16 | uint32(regs[1]), nil
}

// dropClient discards a client after transport failure. Only clients that
// can be rebuilt are dropped.
func (p *Poller) dropClient() {
	if p.factory == nil {
		return
	}
	if c, ok := p.client.(io.Closer); ok {
		_ = c.Close()
	}
	p.client = nil
}

// Latest returns the last good reading.
func (p *Poller) Latest() (Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ok {
		return Reading{}, ErrNoReading
	}
	if p.cfg.MaxAge > 0 && p.now().Sub(p.latest.At) > p.cfg.MaxAge {
		return p.latest, fmt.Errorf("sensor: %s reading is stale (%s old)", p.cfg.Name, p.now().Sub(p.latest.At))
	}
	return p.latest, nil
}

func (p *Poller) ReadMillivolts() (uint16, error) {
	r, err := p.Latest()
	return r.BatteryMV, err
}

func (p *Poller) Position() (x, y int32, err error) {
	r, err := p.Latest()
	return r.X, r.Y, err
}

// Close releases the current client. A later poll reconnects through the
// factory.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.client.(io.Closer)
	p.client = nil
	if !ok {
		return nil
	}
	return c.Close()
}
