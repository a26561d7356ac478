// internal/supervisor/supervisor_test.go
package supervisor

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmit/supervisor/internal/flash"
	"github.com/swarmit/supervisor/internal/handoff"
	"github.com/swarmit/supervisor/internal/link"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/sensor"
	"github.com/swarmit/supervisor/internal/status"
	"github.com/swarmit/supervisor/internal/verify"
)

const testNodeID uint64 = 0x0102030405060708

// recordingMirror keeps every snapshot written to it.
type recordingMirror struct {
	mu    sync.Mutex
	snaps []status.Snapshot
}

func (m *recordingMirror) WriteStatus(s status.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *recordingMirror) last() (status.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snaps) == 0 {
		return status.Snapshot{}, false
	}
	return m.snaps[len(m.snaps)-1], true
}

type harness struct {
	hub    *link.Hub
	gw     *link.Endpoint
	node   *link.Endpoint
	prog   *flash.Programmer
	mirror *recordingMirror
	sup    *Supervisor
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()

	hub := link.NewHub()
	h := &harness{
		hub:    hub,
		gw:     hub.Gateway(),
		node:   hub.Node(testNodeID),
		mirror: &recordingMirror{},
	}

	prog, err := flash.NewProgrammer(flash.NewMemDevice(32, 4096), flash.Config{
		ReservedPages: 16,
		ChunkSize:     protocol.ChunkSize,
	})
	require.NoError(t, err)
	h.prog = prog

	cfg := Config{
		DeviceID:        testNodeID,
		Device:          protocol.DeviceDotBotV3,
		StatusInterval:  time.Hour,
		BatteryInterval: time.Hour,
		WatchdogTimeout: 300 * time.Millisecond,
		ConnectTimeout:  50 * time.Millisecond,
	}
	deps := Deps{
		Link:       h.node,
		Programmer: prog,
		Sensors:    sensor.Static{BatteryMV: 2900, X: 10, Y: -20},
		Mirror:     h.mirror,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.sup, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

// start runs the supervisor until the test ends.
func (h *harness) start(t *testing.T, cause handoff.ResetCause) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx, cause) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

func (h *harness) request(t *testing.T, req protocol.Request) {
	t.Helper()
	b, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, h.gw.Send(context.Background(), testNodeID, b))
}

func (h *harness) sendRaw(t *testing.T, dst uint64, payload []byte) {
	t.Helper()
	require.NoError(t, h.gw.Send(context.Background(), dst, payload))
}

// expect returns the next frame of type typ, skipping others.
func (h *harness) expect(t *testing.T, typ protocol.MessageType, within time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	for {
		pkt, err := h.gw.Recv(ctx)
		if err != nil {
			t.Fatalf("no %s frame within %v: %v", typ, within, err)
		}
		assert.Equal(t, testNodeID, pkt.Src)
		if len(pkt.Payload) > 0 && protocol.MessageType(pkt.Payload[0]) == typ {
			return pkt.Payload
		}
	}
}

// none fails if a frame of type typ arrives within d.
func (h *harness) none(t *testing.T, typ protocol.MessageType, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		pkt, err := h.gw.Recv(ctx)
		if err != nil {
			return
		}
		if len(pkt.Payload) > 0 && protocol.MessageType(pkt.Payload[0]) == typ {
			t.Fatalf("unexpected %s frame", typ)
		}
	}
}

// waitStatus polls with STATUS requests until the node reports want.
// It survives reboots, which drop frames queued in the old boot.
func (h *harness) waitStatus(t *testing.T, want protocol.ApplicationStatus) protocol.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last protocol.Status
	for time.Now().Before(deadline) {
		h.request(t, protocol.StatusRequest{})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		for {
			pkt, err := h.gw.Recv(ctx)
			if err != nil {
				break
			}
			st, err := protocol.DecodeStatus(pkt.Payload)
			if err != nil {
				continue
			}
			last = st
			if st.App == want {
				cancel()
				return st
			}
		}
		cancel()
	}
	t.Fatalf("node never reported %s (last %s)", want, last.App)
	return last
}

func testImage(size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 7)
	}
	binary.LittleEndian.PutUint32(img[0:4], 0x20010000)
	binary.LittleEndian.PutUint32(img[4:8], 0x00010101)
	return img
}

func chunkRequest(index uint32, data []byte) protocol.OtaChunkRequest {
	sum := verify.Digest(data)
	return protocol.OtaChunkRequest{
		Index:  index,
		Size:   uint8(len(data)),
		Digest: sum[:protocol.ShortDigestSize],
		Data:   data,
	}
}

// program runs a full OTA transfer of img.
func (h *harness) program(t *testing.T, img []byte) {
	t.Helper()
	chunks := (len(img) + protocol.ChunkSize - 1) / protocol.ChunkSize

	h.request(t, protocol.OtaStartRequest{ImageSize: uint32(len(img)), ChunkCount: uint32(chunks)})
	h.expect(t, protocol.MsgOtaStartAck, time.Second)

	for i := 0; i < chunks; i++ {
		end := (i + 1) * protocol.ChunkSize
		if end > len(img) {
			end = len(img)
		}
		h.request(t, chunkRequest(uint32(i), img[i*protocol.ChunkSize:end]))
		idx, err := protocol.DecodeOtaChunkAck(h.expect(t, protocol.MsgOtaChunkAck, time.Second))
		require.NoError(t, err)
		require.Equal(t, uint32(i), idx)
	}
}

func TestNew_RejectsReservedID(t *testing.T) {
	hub := link.NewHub()
	prog, err := flash.NewProgrammer(flash.NewMemDevice(32, 4096), flash.Config{ReservedPages: 16, ChunkSize: protocol.ChunkSize})
	require.NoError(t, err)

	for _, id := range []uint64{protocol.BroadcastAddress, protocol.GatewayAddress} {
		_, err := New(Config{DeviceID: id}, Deps{Link: hub.Node(1), Programmer: prog, Sensors: sensor.Static{}})
		assert.Error(t, err)
	}

	_, err = New(Config{DeviceID: 1}, Deps{Programmer: prog, Sensors: sensor.Static{}})
	assert.Error(t, err)
}

func TestSupervisor_StatusOnDemand(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)

	st := h.waitStatus(t, protocol.StatusReady)
	assert.Equal(t, protocol.DeviceDotBotV3, st.Device)
	assert.Equal(t, uint16(2900), st.BatteryMV)
	assert.Equal(t, protocol.Position{X: 10, Y: -20}, st.Position)

	snap, ok := h.mirror.last()
	require.True(t, ok)
	assert.Equal(t, testNodeID, snap.DeviceID)
	assert.Equal(t, protocol.DefaultNetworkID, snap.NetworkID)
	assert.Equal(t, int32(-1), snap.LastChunkAcked)
}

func TestSupervisor_PeriodicStatus(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.StatusInterval = 20 * time.Millisecond })
	h.start(t, handoff.CausePowerOn)

	for i := 0; i < 3; i++ {
		h.expect(t, protocol.MsgStatus, time.Second)
	}
}

func TestSupervisor_NetworkIDFromFlash(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.prog.WriteNetConfig(protocol.EncodeNetConfig(0x1234)))
	h.start(t, handoff.CausePowerOn)

	h.waitStatus(t, protocol.StatusReady)
	snap, ok := h.mirror.last()
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), snap.NetworkID)
}

func TestSupervisor_OTAThenStartThenStop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	img := testImage(300)
	h.program(t, img)

	got, err := h.prog.ReadImage(len(img))
	require.NoError(t, err)
	assert.Equal(t, img, got)

	// retransmitted final chunk is acknowledged again
	h.request(t, chunkRequest(2, img[256:]))
	idx, err := protocol.DecodeOtaChunkAck(h.expect(t, protocol.MsgOtaChunkAck, time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), idx)

	h.waitStatus(t, protocol.StatusReady)
	snap, _ := h.mirror.last()
	assert.Equal(t, int32(2), snap.LastChunkAcked)
	assert.Equal(t, uint32(3), snap.ChunkCount)
	assert.Equal(t, uint32(300), snap.ImageSize)

	h.request(t, protocol.StartRequest{})
	h.waitStatus(t, protocol.StatusRunning)

	// the image answers data frames through the log relay
	h.sendRaw(t, protocol.BroadcastAddress, protocol.EncodeMessage([]byte("hello")))
	ev, err := protocol.DecodeLogEvent(h.expect(t, protocol.MsgLogEvent, time.Second))
	require.NoError(t, err)
	assert.Equal(t, "rx: hello", string(ev.Data))

	// the image keeps the watchdog alive past its timeout
	time.Sleep(500 * time.Millisecond)
	h.waitStatus(t, protocol.StatusRunning)

	h.request(t, protocol.StopRequest{})
	h.waitStatus(t, protocol.StatusReady)

	// flash survives the reboot
	got, err = h.prog.ReadImage(len(img))
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestSupervisor_BadDigestNotAcked(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	h.request(t, protocol.OtaStartRequest{ImageSize: 10, ChunkCount: 1})
	h.expect(t, protocol.MsgOtaStartAck, time.Second)

	req := chunkRequest(0, []byte("0123456789"))
	req.Digest = make([]byte, protocol.ShortDigestSize)
	h.request(t, req)
	h.none(t, protocol.MsgOtaChunkAck, 200*time.Millisecond)

	h.waitStatus(t, protocol.StatusProgramming)
	snap, _ := h.mirror.last()
	assert.Equal(t, status.ErrorIntegrity, snap.LastErrorCode)
	assert.Equal(t, int32(-1), snap.LastChunkAcked)
}

func TestSupervisor_ResumeWithoutImage(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.sup.Boot(ctx, handoff.CauseSoftRequest)
		done <- err
	}()

	h.waitStatus(t, protocol.StatusReady)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSupervisor_ResumeRunsImage(t *testing.T) {
	h := newHarness(t, nil)
	img := testImage(64)
	require.NoError(t, h.prog.ErasePages(uint32(len(img))))
	require.NoError(t, h.prog.WriteChunk(0, img))

	h.start(t, handoff.CauseSoftRequest)
	h.waitStatus(t, protocol.StatusRunning)
}

func TestSupervisor_OtaStartIgnoredWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	img := testImage(64)
	require.NoError(t, h.prog.ErasePages(uint32(len(img))))
	require.NoError(t, h.prog.WriteChunk(0, img))

	h.start(t, handoff.CauseSoftRequest)
	h.waitStatus(t, protocol.StatusRunning)

	h.request(t, protocol.OtaStartRequest{ImageSize: 64, ChunkCount: 1})
	h.none(t, protocol.MsgOtaStartAck, 200*time.Millisecond)

	h.waitStatus(t, protocol.StatusRunning)
	snap, _ := h.mirror.last()
	assert.Equal(t, status.ErrorState, snap.LastErrorCode)

	// START is only valid from Ready
	h.request(t, protocol.StartRequest{})
	h.waitStatus(t, protocol.StatusRunning)
}

func TestSupervisor_ResetThenStop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	h.request(t, protocol.ResetRequest{Target: protocol.Position{X: 500, Y: 700}})
	h.waitStatus(t, protocol.StatusResetting)

	h.request(t, protocol.StopRequest{})
	h.waitStatus(t, protocol.StatusStopping)

	// watchdog reboot lands back in the supervisor
	h.waitStatus(t, protocol.StatusReady)
}

func TestSupervisor_StopIgnoredWhenReady(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	h.request(t, protocol.StopRequest{})
	h.waitStatus(t, protocol.StatusReady)
	snap, _ := h.mirror.last()
	assert.Equal(t, status.ErrorState, snap.LastErrorCode)
}

func TestSupervisor_DataDroppedWhenNotRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	h.sendRaw(t, testNodeID, protocol.EncodeMessage([]byte("hello")))
	h.none(t, protocol.MsgLogEvent, 200*time.Millisecond)
}

func TestSupervisor_MetricsProbe(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	probe := protocol.EncodeMetricsProbe(protocol.MetricsProbe{GatewayTxCount: 5, GatewayRxCount: 4})
	h.sendRaw(t, testNodeID, probe)
	out, err := protocol.DecodeMetricsProbe(h.expect(t, protocol.MsgMetricsProbe, time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), out.GatewayTxCount)
	assert.Equal(t, uint32(1), out.NodeRxCount)
	assert.Equal(t, uint32(1), out.NodeTxCount)

	h.sendRaw(t, testNodeID, probe)
	out, err = protocol.DecodeMetricsProbe(h.expect(t, protocol.MsgMetricsProbe, time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), out.NodeRxCount)
}

func TestSupervisor_DisconnectedDropsFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	h.node.SetConnected(false)
	h.request(t, protocol.StatusRequest{})
	h.none(t, protocol.MsgStatus, 200*time.Millisecond)

	h.node.SetConnected(true)
	h.waitStatus(t, protocol.StatusReady)
}

func TestSupervisor_GPIOAndLogRelay(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, handoff.CausePowerOn)
	h.waitStatus(t, protocol.StatusReady)

	h.sup.PostGPIOEvent([]byte{1, 0})
	frame := h.expect(t, protocol.MsgGPIOEvent, time.Second)
	assert.Equal(t, []byte{byte(protocol.MsgGPIOEvent), 1, 0}, frame)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	h.sup.PostLog(long)
	ev, err := protocol.DecodeLogEvent(h.expect(t, protocol.MsgLogEvent, time.Second))
	require.NoError(t, err)
	assert.Len(t, ev.Data, protocol.MaxLogLength)
}

func encodeAll(t *testing.T, reqs ...protocol.Request) [][]byte {
	t.Helper()
	out := make([][]byte, len(reqs))
	for i, r := range reqs {
		b, err := protocol.EncodeRequest(r)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestService_RequestsRunInArrivalOrder(t *testing.T) {
	h := newHarness(t, nil)
	b, err := h.sup.newBoot(handoff.CausePowerOn)
	require.NoError(t, err)
	t.Cleanup(b.shutdown)
	ctx := context.Background()

	start := protocol.OtaStartRequest{ImageSize: 256, ChunkCount: 2}
	oldImg := testImage(256)
	for i := range oldImg[protocol.ChunkSize:] {
		oldImg[protocol.ChunkSize+i] = 0xAB
	}

	_, reset := b.service(ctx, &pending{requests: encodeAll(t, start)})
	require.False(t, reset)
	require.True(t, b.state.Is(protocol.StatusProgramming))

	// a late final chunk of the running session, then a new session
	_, reset = b.service(ctx, &pending{requests: encodeAll(t,
		chunkRequest(1, oldImg[protocol.ChunkSize:]),
		start,
	)})
	require.False(t, reset)

	assert.True(t, b.state.Is(protocol.StatusProgramming))
	assert.Equal(t, int32(-1), b.session.LastChunkAcked())
	got, err := h.prog.ReadImage(256)
	require.NoError(t, err)
	assert.Equal(t, byte(flash.ErasedByte), got[protocol.ChunkSize], "old chunk must not survive the new OTA_START")

	newImg := testImage(256)
	_, reset = b.service(ctx, &pending{requests: encodeAll(t,
		chunkRequest(0, newImg[:protocol.ChunkSize]),
		chunkRequest(1, newImg[protocol.ChunkSize:]),
	)})
	require.False(t, reset)

	assert.True(t, b.state.Is(protocol.StatusReady))
	got, err = h.prog.ReadImage(256)
	require.NoError(t, err)
	assert.Equal(t, newImg, got)
}
