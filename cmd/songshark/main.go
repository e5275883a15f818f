package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenHome/Songshark-Go/config"
	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/capture/live"
	collect_logs "OpenHome/Songshark-Go/internal/collect_logs"
	"OpenHome/Songshark-Go/internal/controller"
	"OpenHome/Songshark-Go/internal/health"
	"OpenHome/Songshark-Go/internal/logger"
	"OpenHome/Songshark-Go/internal/version"
)

func printHelp() {
	fmt.Print(`Songshark - audio-over-IP stream health monitor

Usage: songshark [list-adapters|collect-logs] [--version|-v] [--help|-h] [flags]

Captures UDP traffic sent to a stream endpoint and reports packet count,
lost frames and inter-arrival gap bounds every poll interval.

Commands:
  list-adapters   Print the capturable adapters with their index and exit
  collect-logs    Package logs, config, adapters and diagnostics into a zip archive for support
  --version, -v   Print version and exit
  --help, -h      Show this help message and exit

Flags:
  -config PATH      Config file (default: search /etc/songshark/config.json, then ./config.json)
  -env PATH         .env file with SONGSHARK_* overrides (default: .env)
  -adapter N|NAME   Adapter index from list-adapters, or its name (default: capture.interface)
  -endpoint IP:PORT Stream destination (default: capture.endpoint)
  -strategy NAME    Timings or Udp (default: capture.strategy)
  -replay FILE      Analyze a pcap/pcapng file instead of a live adapter
  -duration D       Stop after D (e.g. 30s); 0 runs until interrupted

Example:
  songshark -adapter 0 -endpoint 10.2.9.32:51974
    Reports stream timings for the endpoint on the first adapter.

  songshark -replay captures/stream.pcapng -endpoint 10.2.9.32:51974
    Analyzes a saved capture and exits.
`)
}

type options struct {
	configPath string
	envPath    string
	adapter    string
	endpoint   string
	strategy   string
	replay     string
	duration   time.Duration
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("songshark", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.configPath, "config", "", "config file")
	fs.StringVar(&o.envPath, "env", ".env", ".env file")
	fs.StringVar(&o.adapter, "adapter", "", "adapter index or name")
	fs.StringVar(&o.endpoint, "endpoint", "", "stream endpoint ip:port")
	fs.StringVar(&o.strategy, "strategy", "", "analysis strategy")
	fs.StringVar(&o.replay, "replay", "", "capture file to replay")
	fs.DurationVar(&o.duration, "duration", 0, "capture duration")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

// loadConfig reads the explicit path, or the first default path that loads.
// With no config file at all the defaults are used.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadConfig(path)
		return cfg, path, err
	}
	for _, p := range config.DefaultPaths() {
		cfg, err := config.LoadConfig(p)
		if err == nil {
			return cfg, p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, p, err
		}
	}
	return config.Default(), "", nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			printVersion(os.Stdout, live.Available)
			return
		case "list-adapters":
			if err := listAdapters(os.Stdout, live.NewSource()); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to list adapters: %v\n", err)
				os.Exit(1)
			}
			return
		case "collect-logs":
			zipName := fmt.Sprintf("songshark-logs-%s.zip", time.Now().Format("20060102-150405"))
			opts := collect_logs.Options{Adapters: live.NewSource()}
			if live.Available() {
				opts.DriverVersion = live.Version()
			}
			if _, path, err := loadConfig(""); err == nil && path != "" {
				opts.ConfigPath = path
			}
			if err := collect_logs.CollectLogs(zipName, opts); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to collect logs: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Created %s with logs, config, adapters, and diagnostics.\n", zipName)
			return
		}
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printHelp()
		os.Exit(2)
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ApplyEnvFile(opts.envPath); err != nil {
		log.Fatalf("Failed to apply environment overrides: %v", err)
	}
	if err := cfg.InitializeLogging(); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	lg := logger.GetLogger()
	defer lg.Close()
	log.SetOutput(lg.Writer())

	if cfgPath != "" {
		lg.Info("[main] loaded config %s: %s", cfgPath, cfg)
	} else {
		lg.Info("[main] no config file found, using defaults: %s", cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, lg); err != nil {
		lg.Error("[main] %v", err)
		os.Exit(1)
	}
}

// printVersion prints the songshark version and, when a capture driver is
// installed, the libpcap/Npcap version it reports.
func printVersion(w io.Writer, available func() bool) {
	fmt.Fprintln(w, "songshark", version.Version)
	if available() {
		fmt.Fprintln(w, live.Version())
	}
}

func listAdapters(w io.Writer, lister capture.DeviceLister) error {
	devices, err := lister.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No capturable adapters found.")
		return nil
	}
	for i, d := range devices {
		fmt.Fprintf(w, "%2d  %s\n    %s\n", i, d.Description, d.Name)
	}
	return nil
}

func newBackend(opts options) (controller.Backend, error) {
	if opts.replay != "" {
		if _, err := os.Stat(opts.replay); err != nil {
			return nil, fmt.Errorf("replay file: %w", err)
		}
		return capture.NewReplaySource(opts.replay), nil
	}
	if !live.Available() {
		return nil, errors.New("no packet capture driver available (install libpcap or Npcap)")
	}
	return live.NewSource(), nil
}

// resolveAdapter picks the adapter from the -adapter flag (index or name),
// then capture.interface, then the only adapter if there is exactly one.
func resolveAdapter(c *controller.Controller, flagValue, configured string) (int, error) {
	names, err := c.ListAdapters()
	if err != nil {
		return -1, err
	}
	want := strings.TrimSpace(flagValue)
	if want == "" {
		want = configured
	}
	if want == "" {
		if len(names) == 1 {
			return 0, nil
		}
		return -1, fmt.Errorf("%w: choose one with -adapter (see list-adapters)", controller.ErrNoAdapterSelected)
	}
	if index, err := strconv.Atoi(want); err == nil {
		return index, nil
	}
	return c.FindAdapter(want)
}

func run(ctx context.Context, cfg *config.Config, opts options, lg *logger.Logger) error {
	backend, err := newBackend(opts)
	if err != nil {
		return err
	}

	ctrl := controller.New(backend, controller.WithSessionOptions(
		capture.WithLogger(lg),
		capture.WithOpenOptions(capture.OpenOptions{
			SnapLen:     cfg.Capture.SnapLen,
			Promiscuous: cfg.Capture.Promiscuous,
			ReadTimeout: cfg.ReadTimeout(),
			Immediate:   true,
		}),
	))
	defer ctrl.Close()

	strategy := cfg.Capture.Strategy
	if opts.strategy != "" {
		strategy = opts.strategy
	}
	if err := ctrl.SelectStrategy(strategy); err != nil {
		return err
	}

	endpoint := cfg.Capture.Endpoint
	if opts.endpoint != "" {
		endpoint = opts.endpoint
	}
	if endpoint == "" {
		return fmt.Errorf("%w: use -endpoint or capture.endpoint", controller.ErrNoEndpointSet)
	}
	if err := ctrl.SetEndpointString(endpoint); err != nil {
		return err
	}

	configured := cfg.Capture.Interface
	if opts.replay != "" {
		configured = ""
	}
	index, err := resolveAdapter(ctrl, opts.adapter, configured)
	if err != nil {
		return err
	}
	if err := ctrl.Start(index); err != nil {
		return err
	}

	runCtx := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Health.Listen != "" {
		g.Go(func() error {
			return health.NewServer(ctrl, time.Second).ListenAndServe(gctx, cfg.Health.Listen)
		})
	}
	g.Go(func() error {
		return poll(gctx, ctrl, cfg.PollInterval(), os.Stdout)
	})

	err = g.Wait()
	ctrl.Stop()

	final := ctrl.PollStatistics()
	fmt.Fprintf(os.Stdout, "[final] %s\n", final)
	lg.Info("[main] capture finished: %s", final)

	if errors.Is(err, errCaptureEnded) {
		err = nil
	}
	if err == nil {
		err = ctrl.Err()
	}
	return err
}

var errCaptureEnded = errors.New("capture ended")

// poll prints statistics every interval until ctx is done or the capture
// leaves Running on its own (end of replay or device lost).
func poll(ctx context.Context, ctrl *controller.Controller, interval time.Duration, w io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s := ctrl.PollStatistics()
		fmt.Fprintf(w, "[stats] %s %s\n", time.Now().Format("15:04:05"), s)
		if s.State == capture.Idle {
			return errCaptureEnded
		}
	}
}
