// internal/appstate/machine_test.go
package appstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmit/supervisor/internal/protocol"
)

func TestMachineStartsReady(t *testing.T) {
	m := New(nil)
	assert.Equal(t, protocol.StatusReady, m.Status())
}

func TestOtaLifecycle(t *testing.T) {
	m := New(nil)

	require.NoError(t, m.Fire(EvOtaStart))
	assert.Equal(t, protocol.StatusProgramming, m.Status())

	// restarting a session while programming is allowed
	require.NoError(t, m.Fire(EvOtaStart))
	assert.Equal(t, protocol.StatusProgramming, m.Status())

	require.NoError(t, m.Fire(EvOtaDone))
	assert.Equal(t, protocol.StatusReady, m.Status())

	// a re-acked final chunk while ready keeps ready
	require.NoError(t, m.Fire(EvOtaDone))
	assert.Equal(t, protocol.StatusReady, m.Status())
}

func TestGuards(t *testing.T) {
	cases := []struct {
		name  string
		setup []string
		event string
		ok    bool
		want  protocol.ApplicationStatus
	}{
		{"ota start while running", []string{EvResume}, EvOtaStart, false, protocol.StatusRunning},
		{"stop while ready", nil, EvStop, false, protocol.StatusReady},
		{"stop while running", []string{EvResume}, EvStop, true, protocol.StatusStopping},
		{"stop while programming", []string{EvOtaStart}, EvStop, true, protocol.StatusStopping},
		{"stop while resetting", []string{EvReset}, EvStop, true, protocol.StatusStopping},
		{"reset while programming", []string{EvOtaStart}, EvReset, false, protocol.StatusProgramming},
		{"reset while ready", nil, EvReset, true, protocol.StatusResetting},
		{"ota done while running", []string{EvResume}, EvOtaDone, false, protocol.StatusRunning},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(nil)
			for _, ev := range tc.setup {
				require.NoError(t, m.Fire(ev))
			}

			err := m.Fire(tc.event)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, IsStateError(err))
			}
			assert.Equal(t, tc.want, m.Status())
		})
	}
}
