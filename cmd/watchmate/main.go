package main

import (
	"archive/zip"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/azymohliad/watchmate/internal/ble"
	"github.com/azymohliad/watchmate/internal/ble/protocol"
	"github.com/azymohliad/watchmate/internal/config"
	"github.com/azymohliad/watchmate/internal/firmware"
	"github.com/azymohliad/watchmate/internal/ota"
	"github.com/azymohliad/watchmate/internal/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/watchmate/config.yaml)")
	address := flag.String("address", "", "device address, skips discovery")
	scan := flag.Bool("scan", false, "scan for the watch and exit")
	flash := flag.String("flash", "", "flash a firmware archive or raw image and exit")
	resources := flag.String("resources", "", "upload a resource archive and exit")
	force := flag.Bool("force", false, "skip the version gate on updates")
	checkFirmware := flag.Bool("check-firmware", false, "compare installed firmware against the release feed and exit")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", "error", err)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", "error", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	adapter := ble.NewHardwareAdapter()
	if err := adapter.Enable(); err != nil {
		fatal("enabling bluetooth adapter", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *scan {
		runScan(ctx, adapter, cfg)
		return
	}

	sess := ble.NewSession(adapter, sessionOptions(cfg))
	mux := telemetry.NewMux(16)
	eng := ota.NewEngine(ota.Options{
		ChunkSize:    cfg.Update.ChunkSize,
		ChunkRetries: cfg.Update.ChunkRetries,
		AckTimeout:   cfg.Update.AckTimeout.Std(),
	})

	// Session wiring: the mux and the update engine follow the link.
	sess.OnReady(func(c *ble.Client) {
		mux.Bind(telemetry.ClientSource{Client: c})
		eng.Attach(ota.ClientLink{Client: c})
	})
	sess.OnLinkDown(func() {
		mux.Unbind()
		eng.Detach()
	})
	sess.OnClosed(func() {
		mux.Close()
	})

	if err := sess.Connect(ctx); err != nil {
		fatal("connecting", "error", err)
	}
	if dev, ok := sess.Device(); ok {
		slog.Info("[main] connected", "device", dev.Name, "address", dev.Address)
	}

	switch {
	case *checkFirmware:
		err = runCheckFirmware(ctx, cfg, sess)
	case *flash != "":
		err = runUpdate(ctx, eng, *flash, protocol.KindFirmware, *force)
	case *resources != "":
		err = runUpdate(ctx, eng, *resources, protocol.KindResourceArchive, *force)
	default:
		err = runTelemetry(ctx, sess, mux)
	}

	eng.Shutdown()
	if derr := sess.Disconnect(); derr != nil {
		slog.Warn("[main] disconnect", "error", derr)
	}
	if err != nil {
		fatal("run", "error", err)
	}
	slog.Info("[main] goodbye")
}

// runScan discovers the watch and lists what was seen.
func runScan(ctx context.Context, adapter ble.Adapter, cfg *config.Config) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.Device.ScanTimeout.Std())
	defer cancel()

	devices, err := adapter.Scan(scanCtx, cfg.Device.Name)
	if err != nil {
		fatal("scanning", "error", err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return
	}
	for _, d := range devices {
		fmt.Printf("  %-20s %s (RSSI %d)\n", d.Name, d.Address, d.RSSI)
	}
}

// runTelemetry streams battery, heart rate and step count until interrupted.
func runTelemetry(ctx context.Context, sess *ble.Session, mux *telemetry.Mux) error {
	subscribe := func(svc protocol.Service) <-chan telemetry.Sample {
		consumer, err := mux.Subscribe(svc)
		if err != nil {
			slog.Warn("[main] telemetry unavailable", "service", svc, "error", err)
			return nil
		}
		return consumer.Chan()
	}
	battery := subscribe(protocol.ServiceBatteryLevel)
	heart := subscribe(protocol.ServiceHeartRate)
	steps := subscribe(protocol.ServiceStepCount)

	status := sess.SubscribeStatus()
	defer status.Cancel()

	slog.Info("[main] streaming telemetry, Ctrl+C to quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-status.Chan():
			if !ok {
				return sess.Err()
			}
			slog.Info("[main] session state", "state", st)
		case s := <-battery:
			if v, ok := s.Value.(protocol.Battery); ok {
				slog.Info("[telemetry] battery", "percent", v.Percent)
			}
		case s := <-heart:
			if v, ok := s.Value.(protocol.HeartRate); ok {
				slog.Info("[telemetry] heart rate", "bpm", v.BPM)
			}
		case s := <-steps:
			if v, ok := s.Value.(protocol.StepCount); ok {
				slog.Info("[telemetry] steps", "count", v.Steps)
			}
		}
	}
}

// runUpdate pushes a firmware image or resource archive to the watch,
// reporting progress until the transfer is terminal.
func runUpdate(ctx context.Context, eng *ota.Engine, path string, kind protocol.UpdateKind, force bool) error {
	img, err := loadImage(path, kind)
	if err != nil {
		return err
	}
	slog.Info("[main] update prepared",
		"kind", img.Kind, "size", img.Size, "version", img.Version, "checksum", fmt.Sprintf("%08x", img.Checksum))

	progress := eng.SubscribeProgress(64)
	defer progress.Cancel()

	transfer, err := eng.Start(ctx, img, ota.StartOptions{Force: force})
	if err != nil {
		return err
	}

	lastPercent := -1
	for {
		select {
		case <-ctx.Done():
			slog.Warn("[main] interrupted, aborting transfer")
			transfer.Abort()
			return transfer.Err()
		case p, ok := <-progress.Chan():
			if !ok {
				return transfer.Err()
			}
			if p.State.Terminal() {
				if p.Err != nil {
					return p.Err
				}
				slog.Info("[main] update complete", "id", p.ID)
				return nil
			}
			if p.Suspended {
				slog.Warn("[main] transfer suspended, waiting for reconnect")
				continue
			}
			if percent := int(p.Percent()); percent != lastPercent {
				lastPercent = percent
				slog.Info("[main] transferring", "state", p.State, "percent", percent)
			}
		}
	}
}

// runCheckFirmware compares the installed firmware against the release feed.
func runCheckFirmware(ctx context.Context, cfg *config.Config, sess *ble.Session) error {
	client := sess.Client()
	if client == nil {
		return fmt.Errorf("session has no live client")
	}
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	v, err := client.Read(readCtx, protocol.ServiceFirmwareVersion)
	if err != nil {
		return fmt.Errorf("reading firmware version: %w", err)
	}
	rev, ok := v.(protocol.FirmwareRevision)
	if !ok {
		return fmt.Errorf("unexpected firmware version value %T", v)
	}
	installed := rev.Version

	feed := firmware.NewClient(cfg.Releases.URL)
	latest, err := feed.Latest(ctx, firmware.Channel(cfg.Releases.Channel))
	if err != nil {
		return err
	}

	fmt.Printf("Installed: %s\n", installed)
	fmt.Printf("Latest:    %s (%s)\n", latest.Version(), latest.Name)
	if latest.Version() == installed {
		fmt.Println("Firmware is up to date")
	} else {
		fmt.Println("Update available: run with -flash after downloading the DFU asset")
	}
	return nil
}

// loadImage reads an update payload from disk. Firmware may be a DFU zip
// (the application image is extracted) or a raw image; resources are always
// an archive.
func loadImage(path string, kind protocol.UpdateKind) (ota.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ota.Image{}, fmt.Errorf("reading %s: %w", path, err)
	}
	switch kind {
	case protocol.KindResourceArchive:
		img, _, err := ota.NewResourceImage(data)
		return img, err
	default:
		version := versionFromName(filepath.Base(path))
		if strings.HasSuffix(path, ".zip") {
			bin, err := extractAppImage(data)
			if err != nil {
				return ota.Image{}, err
			}
			data = bin
		}
		return ota.NewFirmwareImage(data, version), nil
	}
}

// extractAppImage pulls the application image out of a DFU archive.
func extractAppImage(archive []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening firmware archive: %w", err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".bin") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("firmware archive contains no .bin image")
}

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(-[0-9A-Za-z.]+)?`)

// versionFromName extracts a version from an asset filename, such as
// pinetime-mcuboot-app-dfu-1.14.1.zip. Empty when the name carries none;
// the version gate then has nothing to compare and lets the image through.
func versionFromName(name string) string {
	return versionPattern.FindString(name)
}

func sessionOptions(cfg *config.Config) ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.DeviceName = cfg.Device.Name
	opts.Address = cfg.Device.Address
	opts.ScanTimeout = cfg.Device.ScanTimeout.Std()
	opts.ConnectTimeout = cfg.Device.ConnectTimeout.Std()
	opts.ReconnectMax = int(cfg.Device.ReconnectMaxBackoff.Std().Seconds())
	return opts
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("[main] config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("[main] no config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	target := cfg.Device.Name
	if cfg.Device.Address != "" {
		target = cfg.Device.Address
	}
	fmt.Println("=== watchmate ===")
	fmt.Printf("  Device:   %s\n", target)
	fmt.Printf("  Updates:  %d-byte chunks, %s ack timeout\n", cfg.Update.ChunkSize, cfg.Update.AckTimeout.Std())
	fmt.Printf("  Releases: %s (%s)\n", cfg.Releases.URL, cfg.Releases.Channel)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func fatal(msg string, args ...any) {
	slog.Error("[main] "+msg, args...)
	os.Exit(1)
}
