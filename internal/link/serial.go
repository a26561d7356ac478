// internal/link/serial.go
package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 1000000
	defaultReadTimeout = 100 * time.Millisecond

	// dst || src
	addrHeaderSize = 16

	rxQueueSize = 64
)

type SerialConfig struct {
	// Port is the device path (e.g. /dev/ttyACM0)
	Port string

	// Baud defaults to DefaultBaudRate
	Baud int

	// ReadTimeout bounds each blocking read so Close is noticed (optional)
	ReadTimeout time.Duration

	// LocalID is stamped as the source address of outgoing frames
	LocalID uint64

	// Logger is used for framing errors and drops (optional)
	Logger *slog.Logger
}

// Serial is a Link over a UART attached mesh radio or gateway. Frames are
// HDLC encoded; the body is dst (u64 LE) || src (u64 LE) || payload.
type Serial struct {
	port    io.ReadWriteCloser
	localID uint64
	logger  *slog.Logger

	writeMu sync.Mutex
	rx      chan Packet

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens the port and starts the receive goroutine.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, errors.New("link: serial port required")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: set read timeout: %w", err)
	}
	return NewSerial(port, cfg), nil
}

// NewSerial runs the link over an already open port. The port's Read
// should return periodically (timeout) or fail once the port is closed.
func NewSerial(port io.ReadWriteCloser, cfg SerialConfig) *Serial {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Serial{
		port:    port,
		localID: cfg.LocalID,
		logger:  cfg.Logger,
		rx:      make(chan Packet, rxQueueSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *Serial) Connected() bool { return !s.closed.Load() }

func (s *Serial) Send(ctx context.Context, dst uint64, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(payload) > MaxPayload {
		return ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body := make([]byte, 0, addrHeaderSize+len(payload))
	body = binary.LittleEndian.AppendUint64(body, dst)
	body = binary.LittleEndian.AppendUint64(body, s.localID)
	body = append(body, payload...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(EncodeHDLC(body)); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

func (s *Serial) Recv(ctx context.Context) (Packet, error) {
	select {
	case pkt := <-s.rx:
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-s.done:
		return Packet{}, ErrClosed
	}
}

func (s *Serial) Close() error {
	err := s.shutdown()
	s.wg.Wait()
	return err
}

func (s *Serial) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.port.Close()
	})
	return err
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	var dec HDLCDecoder
	buf := make([]byte, 256)

	for {
		n, err := s.port.Read(buf)
		if s.closed.Load() {
			return
		}
		if err != nil {
			s.logger.Error("serial read failed", "err", err)
			s.shutdown()
			return
		}

		for _, b := range buf[:n] {
			body, ferr := dec.Feed(b)
			if ferr != nil {
				s.logger.Warn("dropping corrupt frame", "err", ferr)
				continue
			}
			if body == nil {
				continue
			}
			if len(body) < addrHeaderSize {
				s.logger.Warn("dropping frame without address header", "len", len(body))
				continue
			}
			pkt := Packet{
				Dst:     binary.LittleEndian.Uint64(body[0:8]),
				Src:     binary.LittleEndian.Uint64(body[8:16]),
				Payload: append([]byte(nil), body[addrHeaderSize:]...),
			}
			select {
			case s.rx <- pkt:
			default:
				s.logger.Warn("rx queue full, dropping frame", "src", fmt.Sprintf("%016X", pkt.Src))
			}
		}
	}
}
