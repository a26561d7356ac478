// internal/sensor/builder.go
package sensor

import (
	"time"

	"github.com/swarmit/supervisor/internal/config"
	smodbus "github.com/swarmit/supervisor/internal/sensor/modbus"
)

// DefaultBatteryMV is reported when no sensor source is configured.
const DefaultBatteryMV = 3000

// Source is what the supervisor reads sensors through.
type Source interface {
	Battery
	Position
}

// Build selects the configured sensor source. For a Modbus board it also
// returns the poller, which the caller must Run; the first connection is
// made here (fail fast at startup).
func Build(c config.SensorsConfig) (Source, *Poller, error) {
	if c.Modbus == nil {
		if c.Static == nil {
			return Static{BatteryMV: DefaultBatteryMV}, nil, nil
		}
		return Static{BatteryMV: c.Static.BatteryMV, X: c.Static.X, Y: c.Static.Y}, nil, nil
	}

	m := c.Modbus

	// client factory: ONE attempt per call
	factory := func() (Client, error) {
		return smodbus.New(smodbus.Config{
			Endpoint: m.Endpoint,
			UnitID:   m.UnitID,
			Timeout:  time.Duration(m.TimeoutMs) * time.Millisecond,
		})
	}

	client, err := factory()
	if err != nil {
		return nil, nil, err
	}

	p, err := New(
		Config{
			Name:     m.Endpoint,
			Interval: time.Duration(m.IntervalMs) * time.Millisecond,
			Battery:  register(m.Battery),
			PosX:     register(m.PosX),
			PosY:     register(m.PosY),
			MaxAge:   time.Duration(m.MaxAgeMs) * time.Millisecond,
		},
		client,
		factory,
	)
	if err != nil {
		return nil, nil, err
	}
	return p, p, nil
}

func register(r config.RegisterConfig) Register {
	return Register{FC: r.FC, Address: r.Address, Words: r.Words}
}
