// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmit/supervisor/internal/link"
	"github.com/swarmit/supervisor/internal/protocol"
)

const (
	DefaultStatusWait      = 1500 * time.Millisecond
	DefaultOTATimeout      = 300 * time.Millisecond
	DefaultMaxRetries      = 10
	DefaultInactiveTimeout = 5 * time.Second

	ackQueueSize = 256
)

// ErrNoDevices is returned when a command has no target.
var ErrNoDevices = errors.New("controller: no device found")

type Settings struct {
	// Devices restricts every command to these ids. Empty means broadcast
	// to the whole network.
	Devices []uint64

	StatusWait time.Duration

	// OTATimeout is the wait for one ACK round; a round is retried up to
	// MaxRetries times.
	OTATimeout time.Duration
	MaxRetries int

	// DigestLength is the digest carried in OTA_CHUNK (8 or 32)
	DigestLength int

	// InactiveTimeout drops devices that stopped reporting status
	InactiveTimeout time.Duration

	// Logger is used for all controller diagnostics (optional)
	Logger *slog.Logger
}

// Device is the last status a node reported.
type Device struct {
	ID       uint64
	Status   protocol.Status
	LastSeen time.Time
}

// Event is a LOG_EVENT or GPIO_EVENT relayed from a user image.
type Event struct {
	Src       uint64
	Type      protocol.MessageType
	Timestamp uint32 // LOG_EVENT only
	Data      []byte
}

type ack struct {
	src   uint64
	typ   protocol.MessageType
	index uint32
}

// Controller drives a testbed through the gateway link. One receive
// goroutine tracks device status and routes acknowledgements; OTA
// operations must not run concurrently.
type Controller struct {
	link     link.Link
	s        Settings
	logger   *slog.Logger
	selected map[uint64]bool
	now      func() time.Time

	mu       sync.Mutex
	devices  map[uint64]*Device
	monitors map[int]func(Event)
	nextMon  int

	acks   chan ack
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts listening on l. Close stops it; l itself stays open.
func New(l link.Link, s Settings) (*Controller, error) {
	if l == nil {
		return nil, errors.New("controller: link required")
	}
	if s.StatusWait <= 0 {
		s.StatusWait = DefaultStatusWait
	}
	if s.OTATimeout <= 0 {
		s.OTATimeout = DefaultOTATimeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.DigestLength != protocol.DigestSize {
		s.DigestLength = protocol.ShortDigestSize
	}
	if s.InactiveTimeout <= 0 {
		s.InactiveTimeout = DefaultInactiveTimeout
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	selected := make(map[uint64]bool, len(s.Devices))
	for _, id := range s.Devices {
		if id == protocol.BroadcastAddress || id == protocol.GatewayAddress {
			return nil, fmt.Errorf("controller: device id %016X is reserved", id)
		}
		selected[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		link:     l,
		s:        s,
		logger:   s.Logger,
		selected: selected,
		now:      time.Now,
		devices:  make(map[uint64]*Device),
		monitors: make(map[int]func(Event)),
		acks:     make(chan ack, ackQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.receive(ctx)
	return c, nil
}

func (c *Controller) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Controller) receive(ctx context.Context) {
	defer close(c.done)
	for {
		pkt, err := c.link.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, link.ErrClosed) {
				c.logger.Error("gateway receive failed", "err", err)
			}
			return
		}
		c.handle(pkt)
	}
}

func (c *Controller) handle(pkt link.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}

	switch t := protocol.MessageType(pkt.Payload[0]); t {
	case protocol.MsgStatus:
		st, err := protocol.DecodeStatus(pkt.Payload)
		if err != nil {
			c.logger.Debug("bad status frame", "src", hexID(pkt.Src), "err", err)
			return
		}
		c.mu.Lock()
		c.devices[pkt.Src] = &Device{ID: pkt.Src, Status: st, LastSeen: c.now()}
		c.mu.Unlock()

	case protocol.MsgOtaStartAck:
		c.pushAck(ack{src: pkt.Src, typ: t})

	case protocol.MsgOtaChunkAck:
		idx, err := protocol.DecodeOtaChunkAck(pkt.Payload)
		if err != nil {
			c.logger.Debug("bad chunk ack", "src", hexID(pkt.Src), "err", err)
			return
		}
		c.pushAck(ack{src: pkt.Src, typ: t, index: idx})

	case protocol.MsgLogEvent:
		ev, err := protocol.DecodeLogEvent(pkt.Payload)
		if err != nil {
			c.logger.Debug("bad log event", "src", hexID(pkt.Src), "err", err)
			return
		}
		c.notify(Event{Src: pkt.Src, Type: t, Timestamp: ev.Timestamp, Data: ev.Data})

	case protocol.MsgGPIOEvent:
		c.notify(Event{Src: pkt.Src, Type: t, Data: append([]byte(nil), pkt.Payload[1:]...)})

	default:
		c.logger.Debug("ignoring frame", "src", hexID(pkt.Src), "type", t.String(), "len", len(pkt.Payload))
	}
}

func (c *Controller) pushAck(a ack) {
	select {
	case c.acks <- a:
	default:
		c.logger.Warn("ack queue full, dropping", "src", hexID(a.src), "type", a.typ.String())
	}
}

func (c *Controller) notify(ev Event) {
	if !c.isSelected(ev.Src) {
		return
	}
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.monitors))
	for _, fn := range c.monitors {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Controller) isSelected(id uint64) bool {
	return len(c.selected) == 0 || c.selected[id]
}

// ---- device table ----

// KnownDevices returns the selected devices that reported recently,
// ordered by id.
func (c *Controller) KnownDevices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.s.InactiveTimeout)
	out := make([]Device, 0, len(c.devices))
	for id, d := range c.devices {
		if d.LastSeen.Before(cutoff) {
			delete(c.devices, id)
			continue
		}
		if c.isSelected(id) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Controller) devicesIn(states ...protocol.ApplicationStatus) []uint64 {
	var ids []uint64
	for _, d := range c.KnownDevices() {
		for _, s := range states {
			if d.Status.App == s {
				ids = append(ids, d.ID)
				break
			}
		}
	}
	return ids
}

func (c *Controller) ReadyDevices() []uint64 { return c.devicesIn(protocol.StatusReady) }

func (c *Controller) RunningDevices() []uint64 { return c.devicesIn(protocol.StatusRunning) }

func (c *Controller) ResettingDevices() []uint64 { return c.devicesIn(protocol.StatusResetting) }

// ---- commands ----

func (c *Controller) send(ctx context.Context, dst uint64, payload []byte) error {
	if err := c.link.Send(ctx, dst, payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", protocol.MessageType(payload[0]), hexID(dst), err)
	}
	return nil
}

// sendSelected broadcasts payload, or unicasts it to ids when a device
// selection is configured.
func (c *Controller) sendSelected(ctx context.Context, ids []uint64, payload []byte) error {
	if len(c.selected) == 0 {
		return c.send(ctx, protocol.BroadcastAddress, payload)
	}
	for _, id := range ids {
		if err := c.send(ctx, id, payload); err != nil {
			return err
		}
	}
	return nil
}

// Status asks every selected device for its status and returns those
// that answered within the configured wait.
func (c *Controller) Status(ctx context.Context) (map[uint64]Device, error) {
	sent := c.now()
	frame, _ := protocol.EncodeRequest(protocol.StatusRequest{})
	if err := c.sendSelected(ctx, c.s.Devices, frame); err != nil {
		return nil, err
	}

	t := time.NewTimer(c.s.StatusWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	out := make(map[uint64]Device)
	for _, d := range c.KnownDevices() {
		if !d.LastSeen.Before(sent) {
			out[d.ID] = d
		}
	}
	return out, nil
}

// Start boots the programmed image on ready devices. It returns the
// devices that were Ready when the command was sent.
func (c *Controller) Start(ctx context.Context) ([]uint64, error) {
	ids := c.ReadyDevices()
	frame, _ := protocol.EncodeRequest(protocol.StartRequest{})
	if err := c.sendSelected(ctx, ids, frame); err != nil {
		return nil, err
	}
	c.logger.Info("start sent", "devices", len(ids))
	return ids, nil
}

// Stop sends running, resetting and programming devices back to the
// supervisor through a watchdog reset.
func (c *Controller) Stop(ctx context.Context) ([]uint64, error) {
	ids := c.devicesIn(protocol.StatusRunning, protocol.StatusResetting, protocol.StatusProgramming)
	frame, _ := protocol.EncodeRequest(protocol.StopRequest{})
	if err := c.sendSelected(ctx, ids, frame); err != nil {
		return nil, err
	}
	c.logger.Info("stop sent", "devices", len(ids))
	return ids, nil
}

// Reset sends each ready device its return position. Devices that are
// not selected or not Ready are skipped.
func (c *Controller) Reset(ctx context.Context, locations map[uint64]protocol.Position) ([]uint64, error) {
	ready := make(map[uint64]bool)
	for _, id := range c.ReadyDevices() {
		ready[id] = true
	}

	ids := make([]uint64, 0, len(locations))
	for id := range locations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sent []uint64
	for _, id := range ids {
		if !c.isSelected(id) {
			continue
		}
		if !ready[id] {
			c.logger.Warn("device not ready, skipping reset", "device", hexID(id))
			continue
		}
		frame, _ := protocol.EncodeRequest(protocol.ResetRequest{Target: locations[id]})
		if err := c.send(ctx, id, frame); err != nil {
			return sent, err
		}
		sent = append(sent, id)
	}
	return sent, nil
}

// SendMessage sends a custom text message. Only running images receive
// it.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.sendSelected(ctx, c.s.Devices, protocol.EncodeMessage([]byte(text)))
}

// Monitor calls fn for every event relayed by selected devices until ctx
// is done. fn runs on the receive goroutine and must not block.
func (c *Controller) Monitor(ctx context.Context, fn func(Event)) error {
	c.mu.Lock()
	key := c.nextMon
	c.nextMon++
	c.monitors[key] = fn
	c.mu.Unlock()

	c.logger.Info("monitoring testbed", "devices", len(c.s.Devices))
	<-ctx.Done()

	c.mu.Lock()
	delete(c.monitors, key)
	c.mu.Unlock()
	return nil
}

func hexID(id uint64) string { return fmt.Sprintf("%016X", id) }
