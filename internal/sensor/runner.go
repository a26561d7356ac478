// internal/sensor/runner.go
package sensor

import (
	"context"
	"time"
)

// Run starts the ticker loop. Each reading is also emitted on out when out
// is non-nil; a slow consumer misses readings rather than stalling the loop.
// One goroutine per board. No overlap. No retries.
func (p *Poller) Run(ctx context.Context, out chan<- Reading) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := p.PollOnce()
			if out == nil {
				continue
			}
			select {
			case out <- r:
			default:
			}
		}
	}
}
