// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmit/supervisor/internal/dispatch"
	"github.com/swarmit/supervisor/internal/flash"
	"github.com/swarmit/supervisor/internal/handoff"
	"github.com/swarmit/supervisor/internal/link"
	"github.com/swarmit/supervisor/internal/mirror"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/sensor"
	"github.com/swarmit/supervisor/internal/verify"
)

const (
	// eventQueueSize bounds frames handed from the radio goroutine to the
	// management loop. Overflow is dropped.
	eventQueueSize = 16

	// relayQueueSize bounds log and GPIO events posted by the user image.
	relayQueueSize = 16

	DefaultBatteryWarnMV = 1500
)

// Config is the static identity and timing of one node.
type Config struct {
	DeviceID uint64
	Device   protocol.DeviceType

	StatusInterval  time.Duration
	BatteryInterval time.Duration
	WatchdogTimeout time.Duration

	// ConnectTimeout bounds the wait for the mesh before each transmit;
	// <= 0 waits until the boot ends.
	ConnectTimeout time.Duration

	BatteryWarnMV uint16

	// DigestLength is carried by OTA_CHUNK (8 or 32); CompareLength is how
	// many digest bytes are checked.
	DigestLength  int
	CompareLength int

	// Logger is used for all supervisor diagnostics (optional)
	Logger *slog.Logger
}

// Deps are the collaborators that outlive a boot: the radio, flash and
// sensors keep their state across resets.
type Deps struct {
	Link       link.Link
	Programmer *flash.Programmer
	Sensors    sensor.Source

	// Launcher defaults to the in-process host launcher
	Launcher handoff.Launcher

	// NewWatchdog returns the watchdog for one boot (default: host timer)
	NewWatchdog func() handoff.Watchdog

	// Mirror receives every status snapshot (optional)
	Mirror mirror.StatusWriter
}

// RadioStats is implemented by links that know the mesh slot number and
// the signal strength of the last frame.
type RadioStats interface {
	ASN() uint64
	RSSI() int8
}

// Supervisor is the resident firmware. Each Boot models one power cycle
// of the application core: RAM state is rebuilt, flash and radio persist.
type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	logs chan []byte
	gpio chan []byte
}

// New checks deps and fills unset timings with defaults.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Link == nil || deps.Programmer == nil || deps.Sensors == nil {
		return nil, errors.New("supervisor: link, programmer and sensors are required")
	}
	if cfg.DeviceID == protocol.BroadcastAddress || cfg.DeviceID == protocol.GatewayAddress {
		return nil, errors.New("supervisor: device id is reserved")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.BatteryInterval <= 0 {
		cfg.BatteryInterval = 500 * time.Millisecond
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = time.Second
	}
	if cfg.CompareLength <= 0 {
		cfg.CompareLength = verify.DefaultCompareLength
	}
	if cfg.BatteryWarnMV == 0 {
		cfg.BatteryWarnMV = DefaultBatteryWarnMV
	}
	if deps.Launcher == nil {
		deps.Launcher = &handoff.HostLauncher{Logger: cfg.Logger}
	}
	if deps.NewWatchdog == nil {
		deps.NewWatchdog = func() handoff.Watchdog { return handoff.NewHostWatchdog() }
	}

	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger.With("device", deviceHex(cfg.DeviceID)),
		logs:   make(chan []byte, relayQueueSize),
		gpio:   make(chan []byte, relayQueueSize),
	}, nil
}

// PostLog relays a user image log line to the gateway as LOG_EVENT. Lines
// longer than protocol.MaxLogLength are truncated. Safe from any goroutine.
func (s *Supervisor) PostLog(msg []byte) {
	select {
	case s.logs <- append([]byte(nil), msg...):
	default:
		s.logger.Warn("log relay full, dropping line")
	}
}

// PostGPIOEvent relays a GPIO event payload as GPIO_EVENT.
func (s *Supervisor) PostGPIOEvent(payload []byte) {
	select {
	case s.gpio <- append([]byte(nil), payload...):
	default:
		s.logger.Warn("gpio relay full, dropping event")
	}
}

// Run boots with cause and reboots for as long as ctx lasts.
func (s *Supervisor) Run(ctx context.Context, cause handoff.ResetCause) error {
	for {
		next, err := s.Boot(ctx, cause)
		if err != nil {
			return err
		}
		s.logger.Info("system reset", "cause", next.String())
		cause = next
	}
}

// Boot runs one power cycle: the handoff decision, then the event loop
// until a reset is due. It returns the cause of that reset, or ctx's
// error.
func (s *Supervisor) Boot(ctx context.Context, cause handoff.ResetCause) (handoff.ResetCause, error) {
	b, err := s.newBoot(cause)
	if err != nil {
		return 0, err
	}
	defer b.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if handoff.Decide(cause) == handoff.ModeResume {
		b.resume(ctx)
	}

	frames := make(chan dispatch.Frame, eventQueueSize)
	radioDone := make(chan struct{})
	go func() {
		defer close(radioDone)
		s.receive(ctx, b, frames)
	}()
	defer func() {
		cancel()
		<-radioDone
	}()

	return b.loop(ctx, frames)
}

// receive is the radio context: classify, copy and hand over. It never
// touches flash or hashes.
func (s *Supervisor) receive(ctx context.Context, b *boot, out chan<- dispatch.Frame) {
	for {
		pkt, err := s.deps.Link.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, link.ErrClosed) {
				s.logger.Error("radio receive failed", "err", err)
			}
			return
		}

		f := b.disp.Classify(pkt)
		if f.Kind == dispatch.KindNone {
			continue
		}
		select {
		case out <- f:
		default:
			s.logger.Warn("event queue full, dropping frame", "kind", f.Kind.String())
		}
	}
}

func (s *Supervisor) send(ctx context.Context, payload []byte) {
	if err := link.WaitConnected(ctx, s.deps.Link, s.cfg.ConnectTimeout); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("not connected, dropping frame", "type", protocol.MessageType(payload[0]).String(), "err", err)
		}
		return
	}
	if err := s.deps.Link.Send(ctx, protocol.GatewayAddress, payload); err != nil {
		s.logger.Warn("send failed", "type", protocol.MessageType(payload[0]).String(), "err", err)
	}
}

func (s *Supervisor) radioStats() (asn uint64, rssi int8, ok bool) {
	rs, ok := s.deps.Link.(RadioStats)
	if !ok {
		return 0, 0, false
	}
	return rs.ASN(), rs.RSSI(), true
}

func deviceHex(id uint64) string { return fmt.Sprintf("%016X", id) }
