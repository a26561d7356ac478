// cmd/swarmit/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/swarmit/supervisor/internal/config"
	"github.com/swarmit/supervisor/internal/controller"
	"github.com/swarmit/supervisor/internal/flash"
	"github.com/swarmit/supervisor/internal/handoff"
	"github.com/swarmit/supervisor/internal/link"
	"github.com/swarmit/supervisor/internal/protocol"
	"github.com/swarmit/supervisor/internal/sensor"
	"github.com/swarmit/supervisor/internal/supervisor"
)

var (
	configPath = flag.String("config", "", "YAML config file (controller section)")
	port       = flag.String("port", "", "Serial port of the gateway; overrides the config")
	baud       = flag.Int("baud", 0, "Gateway baud rate; overrides the config")
	devices    = flag.String("devices", "", "Comma separated device ids (hex); empty targets every device")
	startAfter = flag.Bool("start", false, "flash: start the image once every device has it")
	verbose    = flag.Bool("verbose", false, "Debug logging")
)

const usage = `usage: swarmit [flags] <command> [args]

commands:
  status                 list devices and their status
  start                  start the programmed image on ready devices
  stop                   stop running, resetting or programming devices
  reset <id>:<x>,<y>...  send devices to a position (mm)
  flash <image.bin>      program an image on ready devices
  monitor                print log and gpio events
  message <text>         send a text message to running images
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	defer glog.Flush()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		glog.Exit(err)
	}
	cc := cfg.Controller

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	selected := make([]uint64, 0, len(cc.Devices))
	for _, s := range cc.Devices {
		id, err := config.ParseDeviceID(s)
		if err != nil {
			glog.Exit(err)
		}
		selected = append(selected, id)
	}

	gw, closeLink, err := openGateway(ctx, cc.Link, selected, logger)
	if err != nil {
		glog.Exitf("gateway: %v", err)
	}
	defer closeLink()

	c, err := controller.New(gw, controller.Settings{
		Devices:      selected,
		StatusWait:   time.Duration(cc.StatusWaitMs) * time.Millisecond,
		OTATimeout:   time.Duration(cc.OTA.TimeoutMs) * time.Millisecond,
		MaxRetries:   cc.OTA.MaxRetries,
		DigestLength: cc.OTA.DigestLength,
		Logger:       logger,
	})
	if err != nil {
		glog.Exit(err)
	}
	defer c.Close()

	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		glog.Exitf("%s: %v", flag.Arg(0), err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *port != "" {
		cfg.Controller.Link.Port = *port
		cfg.Controller.Link.Kind = config.LinkSerial
	}
	if *baud != 0 {
		cfg.Controller.Link.Baud = *baud
	}
	if *devices != "" {
		cfg.Controller.Devices = strings.Split(*devices, ",")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	config.Normalize(cfg)
	return cfg, nil
}

// openGateway opens the serial gateway. A loopback link runs simulated
// nodes in process, one per selected device.
func openGateway(ctx context.Context, lc config.LinkConfig, selected []uint64, logger *slog.Logger) (link.Link, func(), error) {
	if lc.Kind == config.LinkSerial {
		s, err := link.OpenSerial(link.SerialConfig{
			Port:    lc.Port,
			Baud:    lc.Baud,
			LocalID: protocol.GatewayAddress,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	ids := selected
	if len(ids) == 0 {
		ids = []uint64{1, 2}
	}
	glog.Infof("loopback gateway with %d simulated nodes", len(ids))

	hub := link.NewHub()
	ctx, cancel := context.WithCancel(ctx)
	for _, id := range ids {
		if err := simulateNode(ctx, hub, id, logger); err != nil {
			cancel()
			return nil, nil, err
		}
	}
	return hub.Gateway(), cancel, nil
}

func simulateNode(ctx context.Context, hub *link.Hub, id uint64, logger *slog.Logger) error {
	prog, err := flash.NewProgrammer(flash.NewMemDevice(config.DefaultPages, config.DefaultPageSize), flash.Config{
		ReservedPages: config.DefaultReservedPages,
		ChunkSize:     protocol.ChunkSize,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	sup, err := supervisor.New(supervisor.Config{
		DeviceID: id,
		Device:   protocol.DeviceDotBotV3,
		Logger:   logger,
	}, supervisor.Deps{
		Link:       hub.Node(id),
		Programmer: prog,
		Sensors:    sensor.Static{BatteryMV: sensor.DefaultBatteryMV},
	})
	if err != nil {
		return err
	}
	go func() { _ = sup.Run(ctx, handoff.CausePowerOn) }()
	return nil
}

func run(ctx context.Context, c *controller.Controller, cmd string, args []string) error {
	switch cmd {
	case "status":
		return cmdStatus(ctx, c)

	case "start":
		if _, err := c.Status(ctx); err != nil {
			return err
		}
		ids, err := c.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("start sent to %d device(s)\n", len(ids))
		return nil

	case "stop":
		if _, err := c.Status(ctx); err != nil {
			return err
		}
		ids, err := c.Stop(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("stop sent to %d device(s)\n", len(ids))
		return nil

	case "reset":
		locations, err := parseLocations(args)
		if err != nil {
			return err
		}
		if _, err := c.Status(ctx); err != nil {
			return err
		}
		ids, err := c.Reset(ctx, locations)
		if err != nil {
			return err
		}
		fmt.Printf("reset sent to %d device(s)\n", len(ids))
		return nil

	case "flash":
		if len(args) != 1 {
			return fmt.Errorf("expected one image file")
		}
		return cmdFlash(ctx, c, args[0])

	case "monitor":
		fmt.Println("monitoring testbed, ctrl-c to stop")
		return c.Monitor(ctx, func(ev controller.Event) {
			switch ev.Type {
			case protocol.MsgLogEvent:
				fmt.Printf("[%016X] %10d %s\n", ev.Src, ev.Timestamp, ev.Data)
			default:
				fmt.Printf("[%016X] gpio % X\n", ev.Src, ev.Data)
			}
		})

	case "message":
		if len(args) == 0 {
			return fmt.Errorf("expected a message")
		}
		return c.SendMessage(ctx, strings.Join(args, " "))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdStatus(ctx context.Context, c *controller.Controller) error {
	devs, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("No device found")
		return nil
	}

	ids := make([]uint64, 0, len(devs))
	for id := range devs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Printf("%d devices found\n", len(devs))
	fmt.Printf("%-16s  %-11s  %-11s  %7s  %s\n", "Device", "Type", "Status", "Battery", "Position")
	for _, id := range ids {
		st := devs[id].Status
		fmt.Printf("%016X  %-11s  %-11s  %6.2fV  (%d, %d)\n",
			id, st.Device, st.App, float64(st.BatteryMV)/1000, st.Position.X, st.Position.Y)
	}
	return nil
}

func cmdFlash(ctx context.Context, c *controller.Controller, path string) error {
	fw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := c.Status(ctx); err != nil {
		return err
	}

	res, err := c.StartOTA(ctx, fw)
	if err != nil {
		return err
	}
	fmt.Printf("image %s: %d bytes, %d chunks\n", path, res.Meta.ImageSize, res.Meta.ChunkCount)
	if len(res.Missed) > 0 {
		fmt.Printf("OTA start not acknowledged by %d device(s): %s\n", len(res.Missed), hexList(res.Missed))
	}
	if len(res.Acked) == 0 {
		return fmt.Errorf("no device acknowledged OTA start")
	}

	started := time.Now()
	results, err := c.Transfer(ctx, fw, res.Acked)
	if err != nil {
		return err
	}

	var failed []uint64
	for _, id := range res.Acked {
		st := results[id]
		retries := 0
		for _, ch := range st.Chunks {
			retries += ch.Retries
		}
		if st.Success() {
			fmt.Printf("%016X  ok      %d retries\n", id, retries)
		} else {
			failed = append(failed, id)
			fmt.Printf("%016X  FAILED  after chunk %d\n", id, len(st.Chunks)-1)
		}
	}
	fmt.Printf("Transfer completed in %.1fs\n", time.Since(started).Seconds())

	if len(failed) > 0 {
		return fmt.Errorf("%d device(s) failed", len(failed))
	}
	if *startAfter {
		// let the final ACKs move every node back to Ready
		if _, err := c.Status(ctx); err != nil {
			return err
		}
		ids, err := c.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("start sent to %d device(s)\n", len(ids))
	}
	return nil
}

// parseLocations reads "<id>:<x>,<y>" arguments.
func parseLocations(args []string) (map[uint64]protocol.Position, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one <id>:<x>,<y>")
	}
	out := make(map[uint64]protocol.Position, len(args))
	for _, arg := range args {
		idPart, posPart, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("bad location %q", arg)
		}
		id, err := config.ParseDeviceID(idPart)
		if err != nil {
			return nil, err
		}
		xs, ys, ok := strings.Cut(posPart, ",")
		if !ok {
			return nil, fmt.Errorf("bad position %q", posPart)
		}
		x, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("position x %q: %w", xs, err)
		}
		y, err := strconv.ParseInt(strings.TrimSpace(ys), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("position y %q: %w", ys, err)
		}
		out[id] = protocol.Position{X: int32(x), Y: int32(y)}
	}
	return out, nil
}

func hexList(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%016X", id)
	}
	return strings.Join(parts, ", ")
}
