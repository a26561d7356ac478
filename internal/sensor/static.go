// internal/sensor/static.go
package sensor

// Static reports fixed values. Used when no sensor board is configured.
type Static struct {
	BatteryMV uint16
	X, Y      int32
}

func (s Static) ReadMillivolts() (uint16, error)   { return s.BatteryMV, nil }
func (s Static) Position() (x, y int32, err error) { return s.X, s.Y, nil }
