// internal/sensor/types.go
package sensor

import (
	"errors"
	"time"
)

// ErrNoReading is returned before the first successful poll.
var ErrNoReading = errors.New("sensor: no reading yet")

// Battery reports the supply voltage.
type Battery interface {
	ReadMillivolts() (uint16, error)
}

// Position reports the robot position in millimeters.
type Position interface {
	Position() (x, y int32, err error)
}

// Register describes where one value lives on the sensor board.
// Geometry only: no semantics.
type Register struct {
	FC      uint8 // 3 holding, 4 input
	Address uint16
	Words   uint16 // 1 or 2; 2-word values are high word first
}

// Reading is a snapshot produced by one poll cycle.
type Reading struct {
	At        time.Time
	BatteryMV uint16
	X, Y      int32

	Err error // non-nil means the poll cycle failed
}
