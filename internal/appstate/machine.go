// internal/appstate/machine.go
package appstate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/looplab/fsm"

	"github.com/swarmit/supervisor/internal/protocol"
)

// Events accepted by the machine.
const (
	EvOtaStart = "ota_start"
	EvOtaDone  = "ota_done"
	EvStop     = "stop"
	EvReset    = "reset"
	EvResume   = "resume"
)

var (
	stReady       = protocol.StatusReady.String()
	stRunning     = protocol.StatusRunning.String()
	stStopping    = protocol.StatusStopping.String()
	stResetting   = protocol.StatusResetting.String()
	stProgramming = protocol.StatusProgramming.String()
)

// StateError is a request that is not valid in the current application
// status. Such requests are ignored without a response.
type StateError struct {
	Event  string
	Status protocol.ApplicationStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Event, e.Status)
}

// IsStateError returns true if err is or wraps a *StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// Machine holds the single authoritative ApplicationStatus. Transitions are
// guarded; reads are safe from any goroutine.
type Machine struct {
	fsm    *fsm.FSM
	logger *slog.Logger
}

// New returns a machine in the Ready state.
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{logger: logger}

	m.fsm = fsm.NewFSM(
		stReady,
		fsm.Events{
			{Name: EvOtaStart, Src: []string{stReady, stProgramming}, Dst: stProgramming},
			{Name: EvOtaDone, Src: []string{stProgramming, stReady}, Dst: stReady},
			{Name: EvStop, Src: []string{stRunning, stProgramming, stResetting}, Dst: stStopping},
			{Name: EvReset, Src: []string{stReady}, Dst: stResetting},
			{Name: EvResume, Src: []string{stReady}, Dst: stRunning},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				m.logger.Info("application status changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return m
}

// Status returns the current application status.
func (m *Machine) Status() protocol.ApplicationStatus {
	s, err := protocol.ParseApplicationStatus(m.fsm.Current())
	if err != nil {
		// states are only ever set from protocol names
		panic(err)
	}
	return s
}

// Is reports whether the current status is s.
func (m *Machine) Is(s protocol.ApplicationStatus) bool {
	return m.fsm.Is(s.String())
}

// Can reports whether event would be accepted now.
func (m *Machine) Can(event string) bool {
	return m.fsm.Can(event)
}

// Fire applies event. Re-entering the current state (OTA_START while
// already Programming) is accepted. A guarded-out event returns a
// *StateError and leaves the status unchanged.
func (m *Machine) Fire(event string) error {
	err := m.fsm.Event(event)
	if err == nil {
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return &StateError{Event: event, Status: m.Status()}
	}
	return fmt.Errorf("appstate: %s: %w", event, err)
}
