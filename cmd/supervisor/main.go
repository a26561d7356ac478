// cmd/supervisor/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"

	"github.com/swarmit/supervisor/internal/config"
	"github.com/swarmit/supervisor/internal/flash"
	"github.com/swarmit/supervisor/internal/handoff"
	"github.com/swarmit/supervisor/internal/link"
	"github.com/swarmit/supervisor/internal/mirror"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/sensor"
	"github.com/swarmit/supervisor/internal/supervisor"
)

var resetCause = flag.String("reset_cause", "power-on", "Reset cause of the first boot: power-on, soft-request, watchdog or debugger")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: supervisor [flags] <config.yaml>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	defer glog.Flush()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		glog.Exitf("config load failed: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		glog.Exitf("config validation failed: %v", err)
	}
	config.Normalize(cfg)
	s := cfg.Supervisor

	cause, err := parseResetCause(*resetCause)
	if err != nil {
		glog.Exit(err)
	}
	if s.Device.ID == "" {
		glog.Exit("supervisor.device.id is required")
	}
	deviceID, err := config.ParseDeviceID(s.Device.ID)
	if err != nil {
		glog.Exitf("device id: %v", err)
	}
	deviceType, err := protocol.ParseDeviceType(s.Device.Type)
	if err != nil {
		glog.Exitf("device type: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(s.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Flash
	// --------------------

	var dev flash.Device
	if s.Flash.Path != "" {
		dev, err = flash.OpenMapped(s.Flash.Path, s.Flash.Pages, s.Flash.PageSize)
		if err != nil {
			glog.Exitf("flash open failed: %v", err)
		}
	} else {
		glog.Warning("no flash image configured, programmed images are lost on exit")
		dev = flash.NewMemDevice(s.Flash.Pages, s.Flash.PageSize)
	}
	defer dev.Close()

	prog, err := flash.NewProgrammer(dev, flash.Config{
		ReservedPages: s.Flash.ReservedPages,
		ChunkSize:     protocol.ChunkSize,
		Logger:        logger,
	})
	if err != nil {
		glog.Exitf("flash programmer: %v", err)
	}

	// --------------------
	// Radio
	// --------------------

	var radio link.Link
	switch s.Link.Kind {
	case config.LinkSerial:
		radio, err = link.OpenSerial(link.SerialConfig{
			Port:    s.Link.Port,
			Baud:    s.Link.Baud,
			LocalID: deviceID,
			Logger:  logger,
		})
		if err != nil {
			glog.Exitf("radio open failed: %v", err)
		}
	default:
		glog.Warning("loopback radio: no gateway attached")
		radio = link.NewHub().Node(deviceID)
	}
	defer radio.Close()

	// --------------------
	// Sensors
	// --------------------

	sensors, poller, err := sensor.Build(s.Sensors)
	if err != nil {
		glog.Exitf("sensor build failed: %v", err)
	}
	if poller != nil {
		defer poller.Close()
		go poller.Run(ctx, nil)
	}

	// --------------------
	// Status mirror (optional)
	// --------------------

	deps := supervisor.Deps{
		Link:       radio,
		Programmer: prog,
		Sensors:    sensors,
		Launcher:   &handoff.HostLauncher{Logger: logger},
	}

	m, closeMirror, err := mirror.Build(s.Mirror, s.Device.Name)
	if err != nil {
		glog.Exitf("mirror build failed: %v", err)
	}
	if m != nil {
		defer closeMirror()
		deps.Mirror = m
	}

	// --------------------
	// Run
	// --------------------

	sup, err := supervisor.New(supervisor.Config{
		DeviceID:        deviceID,
		Device:          deviceType,
		StatusInterval:  s.Timing.StatusInterval(),
		BatteryInterval: s.Timing.BatteryInterval(),
		WatchdogTimeout: s.Timing.WatchdogTimeout(),
		ConnectTimeout:  s.Link.ConnectTimeout(),
		BatteryWarnMV:   s.Sensors.BatteryWarnMV,
		DigestLength:    s.OTA.DigestLength,
		CompareLength:   s.OTA.CompareLength,
		Logger:          logger,
	}, deps)
	if err != nil {
		glog.Exitf("supervisor: %v", err)
	}

	glog.Infof("supervisor %016X (%s) starting, reset cause %s", deviceID, deviceType, cause)
	if err := sup.Run(ctx, cause); err != nil && !errors.Is(err, context.Canceled) {
		glog.Errorf("supervisor stopped: %v", err)
		return
	}
	glog.Info("supervisor stopped")
}

func parseResetCause(s string) (handoff.ResetCause, error) {
	for _, c := range []handoff.ResetCause{
		handoff.CausePowerOn,
		handoff.CauseSoftRequest,
		handoff.CauseWatchdog,
		handoff.CauseDebugger,
	} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown reset cause %q", s)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
