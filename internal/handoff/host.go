//go:build !tinygo && !baremetal

// internal/handoff/host.go
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmit/supervisor/internal/protocol"
)

// HostLauncher runs a stand-in for the user image inside the process. The
// image services the watchdog until halted and answers MESSAGE frames with
// a log line, which exercises the log relay end to end.
type HostLauncher struct {
	Logger *slog.Logger
}

func (l *HostLauncher) Launch(ctx context.Context, vt VectorTable, wd Watchdog, env Env) (App, error) {
	if wd == nil || env == nil {
		return nil, fmt.Errorf("handoff: watchdog and env required")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	app := &hostApp{
		cancel: cancel,
		env:    env,
		logger: logger,
		done:   make(chan struct{}),
	}

	logger.Info("launching user image",
		"msp", fmt.Sprintf("0x%08X", vt.MSP),
		"reset_handler", fmt.Sprintf("0x%08X", vt.ResetHandler))

	go app.kickLoop(ctx, wd)
	return app, nil
}

// kickPeriod must stay well under the shortest watchdog timeout.
const kickPeriod = 100 * time.Millisecond

type hostApp struct {
	cancel context.CancelFunc
	env    Env
	logger *slog.Logger
	done   chan struct{}

	haltOnce sync.Once
}

func (a *hostApp) kickLoop(ctx context.Context, wd Watchdog) {
	defer close(a.done)

	ticker := time.NewTicker(kickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wd.Expired():
			return
		case <-ticker.C:
			wd.Kick()
		}
	}
}

func (a *hostApp) Halt() {
	a.haltOnce.Do(func() {
		a.cancel()
		<-a.done
		a.logger.Info("user image halted")
	})
}

func (a *hostApp) Deliver(payload []byte) {
	msg, err := protocol.DecodeMessage(payload)
	if err != nil {
		a.logger.Debug("user image ignored frame", "len", len(payload))
		return
	}
	a.env.PostLog(append([]byte("rx: "), msg...))
}
