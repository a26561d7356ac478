// internal/config/normalize.go
package config

import (
	"github.com/swarmit/supervisor/internal/protocol"
)

// Link kinds.
const (
	LinkSerial   = "serial"
	LinkLoopback = "loopback"
)

// Defaults match the nRF5340 application core layout.
const (
	DefaultPages             = 256
	DefaultPageSize          = 4096
	DefaultReservedPages     = 16
	DefaultBaud              = 1000000
	DefaultConnectTimeoutMs  = 5000
	DefaultStatusIntervalMs  = 1000
	DefaultBatteryIntervalMs = 500
	DefaultWatchdogTimeoutMs = 1000
	DefaultBatteryWarnMV     = 1500
	DefaultSensorIntervalMs  = 500
	DefaultModbusTimeoutMs   = 1000
	DefaultStatusWaitMs      = 1500
	DefaultOTATimeoutMs      = 300
	DefaultOTAMaxRetries     = 10
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	s := &cfg.Supervisor

	// ------------------------------------------------------------
	// DEVICE
	// ------------------------------------------------------------

	// Truncate to max 16 characters
	if len(s.Device.Name) > 16 {
		s.Device.Name = s.Device.Name[:16]
	}

	// ------------------------------------------------------------
	// FLASH
	// ------------------------------------------------------------

	setDefault(&s.Flash.Pages, DefaultPages)
	setDefault(&s.Flash.PageSize, DefaultPageSize)
	setDefault(&s.Flash.ReservedPages, DefaultReservedPages)

	normalizeLink(&s.Link)

	// ------------------------------------------------------------
	// TIMING
	// ------------------------------------------------------------

	setDefault(&s.Timing.StatusIntervalMs, DefaultStatusIntervalMs)
	setDefault(&s.Timing.BatteryIntervalMs, DefaultBatteryIntervalMs)
	setDefault(&s.Timing.WatchdogTimeoutMs, DefaultWatchdogTimeoutMs)

	// ------------------------------------------------------------
	// OTA
	// ------------------------------------------------------------

	setDefault(&s.OTA.DigestLength, protocol.ShortDigestSize)
	setDefault(&s.OTA.CompareLength, protocol.ShortDigestSize)

	// ------------------------------------------------------------
	// SENSORS
	// ------------------------------------------------------------

	if s.Sensors.BatteryWarnMV == 0 {
		s.Sensors.BatteryWarnMV = DefaultBatteryWarnMV
	}
	if m := s.Sensors.Modbus; m != nil {
		setDefault(&m.IntervalMs, DefaultSensorIntervalMs)
		setDefault(&m.TimeoutMs, DefaultModbusTimeoutMs)
		for _, r := range []*RegisterConfig{&m.Battery, &m.PosX, &m.PosY} {
			if r.Words == 0 {
				r.Words = 1
			}
		}
		// positions are int32
		m.PosX.Words = 2
		m.PosY.Words = 2
	}

	if m := s.Mirror; m != nil {
		setDefault(&m.TimeoutMs, DefaultModbusTimeoutMs)
	}

	if s.Log.Level == "" {
		s.Log.Level = "info"
	}

	// ------------------------------------------------------------
	// CONTROLLER
	// ------------------------------------------------------------

	c := &cfg.Controller
	normalizeLink(&c.Link)
	setDefault(&c.StatusWaitMs, DefaultStatusWaitMs)
	setDefault(&c.OTA.TimeoutMs, DefaultOTATimeoutMs)
	setDefault(&c.OTA.MaxRetries, DefaultOTAMaxRetries)
	setDefault(&c.OTA.DigestLength, protocol.ShortDigestSize)
}

func normalizeLink(l *LinkConfig) {
	if l.Kind == "" {
		if l.Port != "" {
			l.Kind = LinkSerial
		} else {
			l.Kind = LinkLoopback
		}
	}
	setDefault(&l.Baud, DefaultBaud)
	setDefault(&l.ConnectTimeoutMs, DefaultConnectTimeoutMs)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
