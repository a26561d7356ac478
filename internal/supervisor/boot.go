// internal/supervisor/boot.go
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/swarmit/supervisor/internal/appstate"
	"github.com/swarmit/supervisor/internal/dispatch"
	"github.com/swarmit/supervisor/internal/handoff"
	"github.com/swarmit/supervisor/internal/ota"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/status"
	"github.com/swarmit/supervisor/internal/verify"
)

// boot is the RAM state of one power cycle. Everything here is owned by
// the management loop except disp, which the radio goroutine also reads.
type boot struct {
	sup *Supervisor

	state    *appstate.Machine
	session  *ota.Session
	disp     *dispatch.Dispatcher
	reporter *status.Reporter
	metrics  dispatch.Metrics

	wd  handoff.Watchdog
	app handoff.App

	target     protocol.Position
	started    time.Time
	lowBattery bool
}

// pending holds everything woken since the last service pass.
type pending struct {
	statusDue  bool
	batteryDue bool

	requests [][]byte
	probes   [][]byte
	data     [][]byte
	logs     [][]byte
	gpio     [][]byte
}

func (p *pending) empty() bool {
	return !p.statusDue && !p.batteryDue &&
		len(p.requests) == 0 && len(p.probes) == 0 && len(p.data) == 0 &&
		len(p.logs) == 0 && len(p.gpio) == 0
}

func (s *Supervisor) newBoot(cause handoff.ResetCause) (*boot, error) {
	logger := s.logger.With("boot", cause.String())

	state := appstate.New(logger)
	session, err := ota.New(state, s.deps.Programmer, verify.New(s.cfg.CompareLength), ota.Config{Logger: logger})
	if err != nil {
		return nil, err
	}

	netID := protocol.DefaultNetworkID
	if blob, err := s.deps.Programmer.NetConfig(); err != nil {
		logger.Warn("network config unreadable, using default", "err", err)
	} else {
		netID = protocol.DecodeNetConfig(blob)
	}

	reporter, err := status.NewReporter(status.ReporterConfig{
		Device:    s.cfg.Device,
		DeviceID:  s.cfg.DeviceID,
		NetworkID: netID,
		State:     state,
		Session:   session,
		Sensors:   s.deps.Sensors,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	// relay lines queued by the previous image die with its RAM
	s.drainRelays()

	logger.Info("supervisor boot", "net_id", netID, "device_type", s.cfg.Device.String())

	return &boot{
		sup:      s,
		state:    state,
		session:  session,
		disp:     dispatch.New(state, dispatch.Config{DeviceID: s.cfg.DeviceID, DigestLength: s.cfg.DigestLength}),
		reporter: reporter,
		wd:       s.deps.NewWatchdog(),
		started:  time.Now(),
	}, nil
}

func (s *Supervisor) drainRelays() {
	for {
		select {
		case <-s.logs:
		case <-s.gpio:
		default:
			return
		}
	}
}

// resume jumps into the programmed image. Without a valid vector table
// the boot stays in the supervisor, Ready.
func (b *boot) resume(ctx context.Context) {
	logger := b.sup.logger

	vt, err := handoff.ReadVectorTable(b.sup.deps.Programmer.Image())
	if err != nil {
		if errors.Is(err, handoff.ErrNoImage) {
			logger.Warn("soft reset without a user image, staying in supervisor")
		} else {
			logger.Error("cannot read user image", "err", err)
		}
		return
	}

	if err := b.state.Fire(appstate.EvResume); err != nil {
		logger.Error("resume rejected", "err", err)
		return
	}
	b.wd.Start(b.sup.cfg.WatchdogTimeout)

	app, err := b.sup.deps.Launcher.Launch(ctx, vt, b.wd, b.sup)
	if err != nil {
		// the watchdog is armed and nothing services it
		logger.Error("launch failed", "err", err)
		return
	}
	b.app = app
}

type releaser interface {
	Release()
}

func (b *boot) shutdown() {
	if b.app != nil {
		b.app.Halt()
		b.app = nil
	}
	if r, ok := b.wd.(releaser); ok {
		r.Release()
	}
}

// loop waits for events and services them in a fixed priority order. It
// returns when a reset is due.
func (b *boot) loop(ctx context.Context, frames <-chan dispatch.Frame) (handoff.ResetCause, error) {
	s := b.sup

	statusTicker := time.NewTicker(s.cfg.StatusInterval)
	defer statusTicker.Stop()
	batteryTicker := time.NewTicker(s.cfg.BatteryInterval)
	defer batteryTicker.Stop()

	var p pending
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-b.wd.Expired():
			return handoff.CauseWatchdog, nil
		case <-statusTicker.C:
			p.statusDue = true
		case <-batteryTicker.C:
			p.batteryDue = true
		case f := <-frames:
			p.addFrame(f)
		case msg := <-s.logs:
			p.logs = append(p.logs, msg)
		case ev := <-s.gpio:
			p.gpio = append(p.gpio, ev)
		}

	drain:
		for {
			select {
			case f := <-frames:
				p.addFrame(f)
			case msg := <-s.logs:
				p.logs = append(p.logs, msg)
			case ev := <-s.gpio:
				p.gpio = append(p.gpio, ev)
			default:
				break drain
			}
		}

		if cause, reset := b.service(ctx, &p); reset {
			return cause, nil
		}
	}
}

func (p *pending) addFrame(f dispatch.Frame) {
	switch f.Kind {
	case dispatch.KindRequest:
		p.requests = append(p.requests, f.Payload)
	case dispatch.KindMetrics:
		p.probes = append(p.probes, f.Payload)
	case dispatch.KindData:
		p.data = append(p.data, f.Payload)
	}
}

// service handles one batch in a fixed order: status report, requests,
// metrics, relays, data, battery. Requests run in arrival order so a late
// chunk is judged against the session it was sent for.
func (b *boot) service(ctx context.Context, p *pending) (handoff.ResetCause, bool) {
	defer func() { *p = pending{} }()
	if p.empty() {
		return 0, false
	}

	if p.statusDue {
		b.reportStatus(ctx)
	}

	for _, raw := range p.requests {
		if cause, reset := b.handleRequest(ctx, raw); reset {
			return cause, true
		}
	}

	for _, raw := range p.probes {
		b.handleProbe(ctx, raw)
	}

	for _, msg := range p.logs {
		ev := protocol.LogEvent{
			Timestamp: uint32(time.Since(b.started) / time.Microsecond),
			Data:      msg,
		}
		b.sup.send(ctx, protocol.EncodeLogEvent(ev))
	}
	for _, ev := range p.gpio {
		b.sup.send(ctx, protocol.EncodeGPIOEvent(ev))
	}

	for _, raw := range p.data {
		if b.app == nil || !b.state.Is(protocol.StatusRunning) {
			continue
		}
		b.app.Deliver(raw)
	}

	if p.batteryDue {
		b.checkBattery()
	}
	return 0, false
}

func (b *boot) reportStatus(ctx context.Context) {
	snap := b.reporter.Snapshot()

	if b.sup.deps.Mirror != nil {
		if err := b.sup.deps.Mirror.WriteStatus(snap); err != nil {
			b.sup.logger.Warn("status mirror write failed", "err", err)
		}
	}
	b.sup.send(ctx, status.EncodeFrame(snap))
}

func (b *boot) handleRequest(ctx context.Context, raw []byte) (handoff.ResetCause, bool) {
	logger := b.sup.logger

	req, err := b.disp.Decode(raw)
	if err != nil {
		logger.Warn("dropping malformed request", "err", err)
		b.reporter.RecordError(err)
		return 0, false
	}

	switch r := req.(type) {
	case protocol.StatusRequest:
		b.reportStatus(ctx)

	case protocol.StartRequest:
		if !b.state.Is(protocol.StatusReady) {
			err = &appstate.StateError{Event: "start", Status: b.state.Status()}
			break
		}
		logger.Info("start requested, resetting into user image")
		return handoff.CauseSoftRequest, true

	case protocol.StopRequest:
		if err = b.state.Fire(appstate.EvStop); err != nil {
			break
		}
		if b.app != nil {
			b.app.Halt()
			b.app = nil
		}
		// nothing kicks it from here on
		b.wd.Start(b.sup.cfg.WatchdogTimeout)

	case protocol.ResetRequest:
		if err = b.state.Fire(appstate.EvReset); err != nil {
			break
		}
		b.target = r.Target
		logger.Info("reset requested", "x", r.Target.X, "y", r.Target.Y)

	case protocol.OtaStartRequest:
		if err = b.session.Start(r); err != nil {
			break
		}
		if _, err = b.session.PrepareErase(); err != nil {
			break
		}
		b.sup.send(ctx, protocol.EncodeOtaStartAck())

	case protocol.OtaChunkRequest:
		var ack ota.Ack
		if ack, err = b.session.HandleChunk(r); err != nil {
			break
		}
		b.sup.send(ctx, protocol.EncodeOtaChunkAck(ack.Index))
		if ack.Final {
			logger.Info("image programmed", "chunks", b.session.Meta().ChunkCount, "size", b.session.Meta().ImageSize)
		}
	}

	if err != nil {
		logger.Debug("request ignored", "type", req.Type().String(), "status", b.state.Status().String(), "err", err)
		b.reporter.RecordError(err)
	}
	return 0, false
}

func (b *boot) handleProbe(ctx context.Context, raw []byte) {
	asn, rssi, _ := b.sup.radioStats()
	out, err := b.metrics.Apply(raw, asn, rssi)
	if err != nil {
		b.sup.logger.Debug("dropping metrics probe", "err", err)
		return
	}
	b.sup.send(ctx, out)
}

func (b *boot) checkBattery() {
	mv, err := b.reporter.Battery()
	if err != nil {
		b.sup.logger.Debug("battery read failed", "err", err)
		return
	}
	low := mv < b.sup.cfg.BatteryWarnMV
	if low && !b.lowBattery {
		b.sup.logger.Warn("battery low", "mv", mv, "threshold_mv", b.sup.cfg.BatteryWarnMV)
	}
	b.lowBattery = low
}
