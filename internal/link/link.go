// internal/link/link.go
package link

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("link: closed")
	ErrNotConnected = errors.New("link: not connected")
	ErrTooLarge     = errors.New("link: payload too large")
)

// MaxPayload is the largest payload a mesh frame carries.
const MaxPayload = 255

// Packet is one mesh frame as seen at either end of the link.
type Packet struct {
	Src     uint64
	Dst     uint64
	Payload []byte
}

// Link is a connection to the mesh: on a node it is the radio, on the
// testbed side it is the gateway.
type Link interface {
	// Send queues payload for dst. It does not wait for delivery.
	Send(ctx context.Context, dst uint64, payload []byte) error

	// Recv blocks until a packet arrives, ctx ends or the link closes.
	Recv(ctx context.Context) (Packet, error)

	// Connected reports whether the node has joined a gateway.
	Connected() bool

	Close() error
}

// connectPoll is how often WaitConnected re-checks the link.
const connectPoll = 5 * time.Millisecond

// WaitConnected blocks until l is connected. A timeout <= 0 waits as long
// as ctx allows.
func WaitConnected(ctx context.Context, l Link, timeout time.Duration) error {
	if l.Connected() {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(connectPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrNotConnected
			}
			return ctx.Err()
		case <-ticker.C:
			if l.Connected() {
				return nil
			}
		}
	}
}
