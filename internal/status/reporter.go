// internal/status/reporter.go
package status

import (
	"errors"
	"log/slog"
	"time"

	"github.com/swarmit/supervisor/internal/ota"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/sensor"
)

// StateReader exposes the application status.
type StateReader interface {
	Status() protocol.ApplicationStatus
}

// SessionReader exposes OTA progress.
type SessionReader interface {
	Meta() ota.ImageMeta
	LastChunkAcked() int32
	Fault() error
}

type ReporterConfig struct {
	Device    protocol.DeviceType
	DeviceID  uint64
	NetworkID uint16

	State   StateReader
	Session SessionReader
	Sensors sensor.Source

	// Logger is used for sensor read failures (optional)
	Logger *slog.Logger
}

// Reporter builds snapshots. It never mutates the state it reads and is
// owned by the supervisor loop.
type Reporter struct {
	cfg    ReporterConfig
	logger *slog.Logger
	now    func() time.Time

	lastCode   uint16
	faultSince time.Time

	// last good sensor values, reported while readings are stale
	batteryMV uint16
	pos       protocol.Position
}

func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.State == nil || cfg.Session == nil || cfg.Sensors == nil {
		return nil, errors.New("status: state, session and sensors are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reporter{cfg: cfg, logger: cfg.Logger, now: time.Now}, nil
}

// RecordError notes the class of the last dropped request or fault.
func (r *Reporter) RecordError(err error) {
	if err == nil {
		return
	}
	r.lastCode = ErrorCode(err)
}

// Battery returns the last battery reading, refreshing it first.
func (r *Reporter) Battery() (uint16, error) {
	mv, err := r.cfg.Sensors.ReadMillivolts()
	if err == nil || mv != 0 {
		r.batteryMV = mv
	}
	return r.batteryMV, err
}

// Snapshot reads every source once.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Device:    r.cfg.Device,
		App:       r.cfg.State.Status(),
		DeviceID:  r.cfg.DeviceID,
		NetworkID: r.cfg.NetworkID,
		Health:    HealthOK,
	}

	_, battErr := r.Battery()
	s.BatteryMV = r.batteryMV

	x, y, posErr := r.cfg.Sensors.Position()
	if posErr == nil {
		r.pos = protocol.Position{X: x, Y: y}
	}
	s.Position = r.pos

	if battErr != nil || posErr != nil {
		s.Health = HealthStale
		r.logger.Debug("sensor read failed", "battery_err", battErr, "position_err", posErr)
	}

	meta := r.cfg.Session.Meta()
	s.LastChunkAcked = r.cfg.Session.LastChunkAcked()
	s.ChunkCount = meta.ChunkCount
	s.ImageSize = meta.ImageSize

	if fault := r.cfg.Session.Fault(); fault != nil {
		if r.faultSince.IsZero() {
			r.faultSince = r.now()
		}
		s.Health = HealthError
		s.LastErrorCode = ErrorCode(fault)
		secs := r.now().Sub(r.faultSince) / time.Second
		// HARD INVARIANT: seconds_in_error MUST NOT wrap
		if secs > 65535 {
			secs = 65535
		}
		s.SecondsInError = uint16(secs)
	} else {
		r.faultSince = time.Time{}
		s.LastErrorCode = r.lastCode
	}

	return s
}
