// internal/handoff/handoff_test.go
package handoff

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmit/supervisor/internal/protocol"
)

func TestDecide(t *testing.T) {
	assert.Equal(t, ModeResume, Decide(CauseSoftRequest))
	for _, c := range []ResetCause{CausePowerOn, CauseWatchdog, CauseDebugger, ResetCause(9)} {
		assert.Equal(t, ModeSupervisor, Decide(c), c.String())
	}
}

func TestReadVectorTable(t *testing.T) {
	img := []byte{0x00, 0x00, 0x04, 0x20, 0x91, 0x02, 0x01, 0x00}
	vt, err := ReadVectorTable(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, VectorTable{MSP: 0x20040000, ResetHandler: 0x00010291}, vt)
}

func TestReadVectorTableErased(t *testing.T) {
	_, err := ReadVectorTable(bytes.NewReader(bytes.Repeat([]byte{0xFF}, 8)))
	assert.ErrorIs(t, err, ErrNoImage)

	_, err = ReadVectorTable(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func TestHostWatchdogExpiresWithoutKicks(t *testing.T) {
	wd := NewHostWatchdog()
	defer wd.Release()

	wd.Kick() // not started: no effect
	assert.False(t, wd.Running())

	wd.Start(20 * time.Millisecond)
	select {
	case <-wd.Expired():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestHostWatchdogKicksKeepItAlive(t *testing.T) {
	wd := NewHostWatchdog()
	defer wd.Release()
	wd.Start(60 * time.Millisecond)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		wd.Kick()
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-wd.Expired():
		t.Fatal("watchdog fired while being kicked")
	default:
	}
}

type recordingEnv struct {
	mu   sync.Mutex
	logs [][]byte
}

func (e *recordingEnv) PostLog(msg []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, msg)
}

func (e *recordingEnv) PostGPIOEvent([]byte) {}

func TestHostLauncherServicesWatchdogUntilHalt(t *testing.T) {
	wd := NewHostWatchdog()
	defer wd.Release()
	wd.Start(300 * time.Millisecond)

	env := &recordingEnv{}
	l := &HostLauncher{}
	app, err := l.Launch(context.Background(), VectorTable{MSP: 1, ResetHandler: 2}, wd, env)
	require.NoError(t, err)

	// survives several timeouts while the image runs
	select {
	case <-wd.Expired():
		t.Fatal("watchdog fired while image was running")
	case <-time.After(700 * time.Millisecond):
	}

	app.Deliver(protocol.EncodeMessage([]byte("hello")))
	env.mu.Lock()
	require.Len(t, env.logs, 1)
	assert.Equal(t, "rx: hello", string(env.logs[0]))
	env.mu.Unlock()

	app.Halt()
	select {
	case <-wd.Expired():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire after halt")
	}
}
