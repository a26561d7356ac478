// internal/link/link_test.go
package link

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmit/supervisor/internal/protocol"
)

func recvWithin(t *testing.T, l Link, d time.Duration) (Packet, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Recv(ctx)
}

func TestHubUnicastReachesOnlyTarget(t *testing.T) {
	hub := NewHub()
	a := hub.Node(0xA)
	b := hub.Node(0xB)

	require.NoError(t, hub.Gateway().Send(context.Background(), 0xA, []byte{1, 2}))

	pkt, err := recvWithin(t, a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Packet{Src: protocol.GatewayAddress, Dst: 0xA, Payload: []byte{1, 2}}, pkt)

	_, err = recvWithin(t, b, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubBroadcastReachesAllNodes(t *testing.T) {
	hub := NewHub()
	nodes := []*Endpoint{hub.Node(1), hub.Node(2), hub.Node(3)}

	require.NoError(t, hub.Gateway().Send(context.Background(), protocol.BroadcastAddress, []byte{0x80}))

	for _, n := range nodes {
		pkt, err := recvWithin(t, n, time.Second)
		require.NoError(t, err)
		assert.Equal(t, protocol.BroadcastAddress, pkt.Dst)
	}
}

func TestHubNodeToGateway(t *testing.T) {
	hub := NewHub()
	n := hub.Node(7)

	require.NoError(t, n.Send(context.Background(), protocol.GatewayAddress, []byte("hi")))

	pkt, err := recvWithin(t, hub.Gateway(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), pkt.Src)
	assert.Equal(t, "hi", string(pkt.Payload))

	sent := n.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", string(sent[0].Payload))
}

func TestDisconnectedNodeCannotSend(t *testing.T) {
	hub := NewHub()
	n := hub.Node(7)
	n.SetConnected(false)

	err := n.Send(context.Background(), protocol.GatewayAddress, []byte{1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	hub := NewHub()
	err := hub.Node(1).Send(context.Background(), 0, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestRecvAfterClose(t *testing.T) {
	hub := NewHub()
	n := hub.Node(1)
	require.NoError(t, n.Close())

	_, err := n.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, n.Connected())
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	var rb ringBuffer
	for i := 0; i < ringCapacity+3; i++ {
		rb.push(Packet{Src: uint64(i)})
	}
	p, ok := rb.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), p.Src)
	assert.Len(t, rb.snapshot(), ringCapacity-1)
}

func TestWaitConnected(t *testing.T) {
	hub := NewHub()
	n := hub.Node(1)
	n.SetConnected(false)

	err := WaitConnected(context.Background(), n, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)

	go func() {
		time.Sleep(10 * time.Millisecond)
		n.SetConnected(true)
	}()
	assert.NoError(t, WaitConnected(context.Background(), n, time.Second))
}

func TestWaitConnectedHonoursCancel(t *testing.T) {
	hub := NewHub()
	n := hub.Node(1)
	n.SetConnected(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitConnected(ctx, n, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---- HDLC ----

func TestFCSCheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x906E), fcs16([]byte("123456789")))
}

func TestHDLCRoundTripWithEscapes(t *testing.T) {
	body := []byte{0x01, hdlcFlag, 0x02, hdlcEscape, 0x03}
	wire := EncodeHDLC(body)

	// only the delimiters may be raw flags
	assert.Equal(t, 2, bytes.Count(wire, []byte{hdlcFlag}))

	var dec HDLCDecoder
	var got []byte
	for _, b := range wire {
		out, err := dec.Feed(b)
		require.NoError(t, err)
		if out != nil {
			got = out
		}
	}
	assert.Equal(t, body, got)
}

func TestHDLCDecoderRejectsCorruption(t *testing.T) {
	wire := EncodeHDLC([]byte{1, 2, 3, 4})
	wire[2] ^= 0xFF

	var dec HDLCDecoder
	var lastErr error
	for _, b := range wire {
		if _, err := dec.Feed(b); err != nil {
			lastErr = err
		}
	}
	assert.ErrorIs(t, lastErr, ErrBadFCS)
}

func TestHDLCDecoderSkipsNoiseBeforeFirstFlag(t *testing.T) {
	stream := append([]byte{0x11, 0x22}, EncodeHDLC([]byte{9})...)
	stream = append(stream, EncodeHDLC([]byte{10})...)

	var dec HDLCDecoder
	var frames [][]byte
	for _, b := range stream {
		out, err := dec.Feed(b)
		require.NoError(t, err)
		if out != nil {
			frames = append(frames, out)
		}
	}
	assert.Equal(t, [][]byte{{9}, {10}}, frames)
}

// ---- serial ----

func TestSerialOverPipe(t *testing.T) {
	hostEnd, radioEnd := net.Pipe()

	s := NewSerial(hostEnd, SerialConfig{LocalID: 0x42})
	defer s.Close()

	// outbound: read what the link writes on the other end of the pipe
	go func() {
		_ = s.Send(context.Background(), protocol.GatewayAddress, []byte{0x86})
	}()

	var dec HDLCDecoder
	buf := make([]byte, 64)
	var body []byte
	for body == nil {
		n, err := radioEnd.Read(buf)
		require.NoError(t, err)
		for _, b := range buf[:n] {
			out, ferr := dec.Feed(b)
			require.NoError(t, ferr)
			if out != nil {
				body = out
			}
		}
	}
	require.Len(t, body, addrHeaderSize+1)
	assert.Equal(t, byte(0x42), body[8], "source address")
	assert.Equal(t, byte(0x86), body[16])

	// inbound
	frame := make([]byte, 0, addrHeaderSize+1)
	frame = append(frame, 0x42, 0, 0, 0, 0, 0, 0, 0) // dst
	frame = append(frame, 0, 0, 0, 0, 0, 0, 0, 0)    // src: gateway
	frame = append(frame, 0x80)
	go func() { _, _ = radioEnd.Write(EncodeHDLC(frame)) }()

	pkt, err := recvWithin(t, s, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), pkt.Dst)
	assert.Equal(t, protocol.GatewayAddress, pkt.Src)
	assert.Equal(t, []byte{0x80}, pkt.Payload)
}

func TestSerialCloseStopsRecv(t *testing.T) {
	hostEnd, radioEnd := net.Pipe()
	defer radioEnd.Close()

	s := NewSerial(hostEnd, SerialConfig{})
	require.NoError(t, s.Close())

	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Send(context.Background(), 0, []byte{1}), ErrClosed)
}
