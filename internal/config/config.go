// internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Controller ControllerConfig `yaml:"controller"`
}

// ============================================================
// SUPERVISOR (node side)
// ============================================================

type SupervisorConfig struct {
	Device  DeviceConfig  `yaml:"device"`
	Flash   FlashConfig   `yaml:"flash"`
	Link    LinkConfig    `yaml:"link"`
	Timing  TimingConfig  `yaml:"timing"`
	OTA     OTAConfig     `yaml:"ota"`
	Sensors SensorsConfig `yaml:"sensors"`
	Log     LogConfig     `yaml:"log"`

	// Status register mirror (optional, opt-in)
	Mirror *MirrorConfig `yaml:"mirror"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	// ID is the 64-bit device address in hex (e.g. "0x1234ABCD5678EF00")
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // dotbot-v3 | dotbot-v2 | nrf5340dk | nrf52840dk
	Name string `yaml:"name"` // ASCII, exported to the mirror only
}

// ---- FLASH ----

type FlashConfig struct {
	Path          string `yaml:"path"` // image file; empty => in-memory
	Pages         int    `yaml:"pages"`
	PageSize      int    `yaml:"page_size"`
	ReservedPages int    `yaml:"reserved_pages"`
}

// ---- LINK ----

type LinkConfig struct {
	Kind             string `yaml:"kind"` // serial | loopback
	Port             string `yaml:"port"`
	Baud             int    `yaml:"baud"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
}

// ---- TIMING ----

type TimingConfig struct {
	StatusIntervalMs  int `yaml:"status_interval_ms"`
	BatteryIntervalMs int `yaml:"battery_interval_ms"`
	WatchdogTimeoutMs int `yaml:"watchdog_timeout_ms"`
}

// ---- OTA ----

type OTAConfig struct {
	// DigestLength is the digest carried by OTA_CHUNK (8 or 32)
	DigestLength int `yaml:"digest_length"`

	// CompareLength is how many digest bytes are compared (1..32)
	CompareLength int `yaml:"compare_length"`
}

// ---- SENSORS ----

type SensorsConfig struct {
	BatteryWarnMV uint16              `yaml:"battery_warn_mv"`
	Static        *StaticSensorConfig `yaml:"static"`
	Modbus        *ModbusSensorConfig `yaml:"modbus"`
}

type StaticSensorConfig struct {
	BatteryMV uint16 `yaml:"battery_mv"`
	X         int32  `yaml:"x"`
	Y         int32  `yaml:"y"`
}

type ModbusSensorConfig struct {
	Endpoint   string         `yaml:"endpoint"`
	UnitID     uint8          `yaml:"unit_id"`
	TimeoutMs  int            `yaml:"timeout_ms"`
	IntervalMs int            `yaml:"interval_ms"`
	MaxAgeMs   int            `yaml:"max_age_ms"`
	Battery    RegisterConfig `yaml:"battery"`
	PosX       RegisterConfig `yaml:"pos_x"`
	PosY       RegisterConfig `yaml:"pos_y"`
}

// RegisterConfig is read geometry only.
type RegisterConfig struct {
	FC      uint8  `yaml:"fc"`
	Address uint16 `yaml:"address"`
	Words   uint16 `yaml:"words"`
}

// ---- MIRROR ----

type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	UnitID    uint16 `yaml:"unit_id"`
	BaseSlot  uint16 `yaml:"base_slot"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// ---- LOG ----

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// ============================================================
// CONTROLLER (testbed side)
// ============================================================

type ControllerConfig struct {
	Link LinkConfig `yaml:"link"`

	// Devices restricts commands to these ids (hex). Empty => broadcast.
	Devices []string `yaml:"devices"`

	StatusWaitMs int                 `yaml:"status_wait_ms"`
	OTA          ControllerOTAConfig `yaml:"ota"`
}

type ControllerOTAConfig struct {
	TimeoutMs    int `yaml:"timeout_ms"`
	MaxRetries   int `yaml:"max_retries"`
	DigestLength int `yaml:"digest_length"`
}

// ---- helpers ----

// ParseDeviceID parses a hex device id, with or without 0x prefix.
func ParseDeviceID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty device id")
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %w", s, err)
	}
	return id, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t TimingConfig) StatusInterval() time.Duration  { return ms(t.StatusIntervalMs) }
func (t TimingConfig) BatteryInterval() time.Duration { return ms(t.BatteryIntervalMs) }
func (t TimingConfig) WatchdogTimeout() time.Duration { return ms(t.WatchdogTimeoutMs) }
func (l LinkConfig) ConnectTimeout() time.Duration    { return ms(l.ConnectTimeoutMs) }
