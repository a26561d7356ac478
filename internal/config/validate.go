// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/swarmit/supervisor/internal/protocol"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
// Zero values are accepted wherever Normalize supplies a default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}

	if err := validateSupervisor(&cfg.Supervisor); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if err := validateController(&cfg.Controller); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	return nil
}

func validateSupervisor(s *SupervisorConfig) error {
	// ------------------------------------------------------------
	// DEVICE
	// ------------------------------------------------------------

	if s.Device.ID != "" {
		id, err := ParseDeviceID(s.Device.ID)
		if err != nil {
			return err
		}
		if id == protocol.BroadcastAddress || id == protocol.GatewayAddress {
			return fmt.Errorf("device id %016X is reserved", id)
		}
	}
	if _, err := protocol.ParseDeviceType(s.Device.Type); err != nil {
		return err
	}

	// device name sanity (ASCII only)
	for i := 0; i < len(s.Device.Name); i++ {
		if s.Device.Name[i] > 0x7F {
			return fmt.Errorf("device name must contain ASCII characters only")
		}
	}

	// ------------------------------------------------------------
	// FLASH GEOMETRY
	// ------------------------------------------------------------

	f := s.Flash
	if f.Pages < 0 || f.PageSize < 0 || f.ReservedPages < 0 {
		return fmt.Errorf("flash geometry must not be negative")
	}
	if f.PageSize != 0 && f.PageSize%4 != 0 {
		return fmt.Errorf("flash page_size %d must be a multiple of 4", f.PageSize)
	}
	if f.Pages != 0 && f.ReservedPages != 0 && f.ReservedPages >= f.Pages {
		return fmt.Errorf("flash reserved_pages %d leaves no room in %d pages", f.ReservedPages, f.Pages)
	}

	// ------------------------------------------------------------
	// LINK
	// ------------------------------------------------------------

	if err := validateLink(s.Link); err != nil {
		return err
	}

	// ------------------------------------------------------------
	// TIMING
	// ------------------------------------------------------------

	t := s.Timing
	if t.StatusIntervalMs < 0 || t.BatteryIntervalMs < 0 || t.WatchdogTimeoutMs < 0 {
		return fmt.Errorf("timing values must not be negative")
	}

	// ------------------------------------------------------------
	// OTA
	// ------------------------------------------------------------

	if err := validateDigestLength(s.OTA.DigestLength); err != nil {
		return err
	}
	if s.OTA.CompareLength < 0 || s.OTA.CompareLength > protocol.DigestSize {
		return fmt.Errorf("ota compare_length %d out of range 1..%d", s.OTA.CompareLength, protocol.DigestSize)
	}
	if s.OTA.DigestLength != 0 && s.OTA.CompareLength > s.OTA.DigestLength {
		return fmt.Errorf("ota compare_length %d exceeds digest_length %d", s.OTA.CompareLength, s.OTA.DigestLength)
	}

	// ------------------------------------------------------------
	// SENSORS (at most one source)
	// ------------------------------------------------------------

	if s.Sensors.Static != nil && s.Sensors.Modbus != nil {
		return fmt.Errorf("sensors: static and modbus are mutually exclusive")
	}
	if m := s.Sensors.Modbus; m != nil {
		if m.Endpoint == "" {
			return fmt.Errorf("sensors.modbus: endpoint required")
		}
		for name, r := range map[string]RegisterConfig{"battery": m.Battery, "pos_x": m.PosX, "pos_y": m.PosY} {
			if r.FC != 3 && r.FC != 4 {
				return fmt.Errorf("sensors.modbus.%s: fc %d must be 3 or 4", name, r.FC)
			}
			if r.Words > 2 {
				return fmt.Errorf("sensors.modbus.%s: words %d must be 1 or 2", name, r.Words)
			}
		}
	}

	// ------------------------------------------------------------
	// MIRROR (opt-in)
	// ------------------------------------------------------------

	if m := s.Mirror; m != nil {
		if m.Endpoint == "" {
			return fmt.Errorf("mirror: endpoint required")
		}
		if m.UnitID > 255 {
			return fmt.Errorf("mirror: unit_id %d out of range", m.UnitID)
		}
	}

	if err := validateLevel(s.Log.Level); err != nil {
		return err
	}
	return nil
}

func validateController(c *ControllerConfig) error {
	if err := validateLink(c.Link); err != nil {
		return err
	}

	seen := make(map[uint64]bool)
	for _, d := range c.Devices {
		id, err := ParseDeviceID(d)
		if err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("device %016X listed twice", id)
		}
		seen[id] = true
	}

	if c.StatusWaitMs < 0 || c.OTA.TimeoutMs < 0 || c.OTA.MaxRetries < 0 {
		return fmt.Errorf("timing and retry values must not be negative")
	}
	return validateDigestLength(c.OTA.DigestLength)
}

func validateLink(l LinkConfig) error {
	switch l.Kind {
	case "", LinkLoopback:
	case LinkSerial:
		if l.Port == "" {
			return fmt.Errorf("link: serial port required")
		}
	default:
		return fmt.Errorf("link: unknown kind %q", l.Kind)
	}
	if l.Baud < 0 || l.ConnectTimeoutMs < 0 {
		return fmt.Errorf("link: values must not be negative")
	}
	return nil
}

func validateDigestLength(n int) error {
	switch n {
	case 0, protocol.ShortDigestSize, protocol.DigestSize:
		return nil
	}
	return fmt.Errorf("ota digest_length %d must be %d or %d", n, protocol.ShortDigestSize, protocol.DigestSize)
}

func validateLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("log level %q unknown", level)
}
