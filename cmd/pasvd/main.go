package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		verbose      bool
		socketPath   string
		intervalMS   int
		durationMS   int
		clamp        bool
		pulseServer  string
		pulseApp     string
		statusListen string
		logLevel     string
		logTimings   bool
	)

	cmd := &cobra.Command{
		Use:   "pasvd",
		Short: "Smooth volume daemon for PulseAudio",
		Long: `pasvd owns the default output's volume and moves it smoothly.

Requests arrive on a Unix socket (see pasv). Each change is spread over a
number of small steps, one per tick, and a new request replaces the
transition in progress.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loadedPath, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Flags override the file only when given explicitly.
			var o FlagOverrides
			flags := cmd.Flags()
			if flags.Changed("socket") {
				o.SocketPath = &socketPath
			}
			if flags.Changed("interval-ms") {
				o.IntervalMS = &intervalMS
			}
			if flags.Changed("default-duration-ms") {
				o.DefaultDurationMS = &durationMS
			}
			if flags.Changed("clamp") {
				o.Clamp = &clamp
			}
			if flags.Changed("pulse-server") {
				o.PulseServer = &pulseServer
			}
			if flags.Changed("app-name") {
				o.PulseAppName = &pulseApp
			}
			if flags.Changed("status-listen") {
				o.StatusListen = &statusListen
			}
			if flags.Changed("log-level") {
				o.LogLevel = &logLevel
			}
			if verbose {
				debug := string(LogLevelDebug)
				o.LogLevel = &debug
			}
			if flags.Changed("log-timings") {
				o.LogTimings = &logTimings
			}
			o.Apply(&cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level, _ := parseLogLevel(cfg.Logging.Level)
			logger, levelVar := setupLogger(os.Stderr, level)
			if loadedPath != "" {
				logger.Debug("config loaded", "path", loadedPath)
			}

			return run(cmd.Context(), cfg, loadedPath, o, levelVar, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/pasvd/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging (same as --log-level debug)")
	flags.StringVar(&socketPath, "socket", DefaultSocketPath(), "Unix socket to listen on")
	flags.IntVar(&intervalMS, "interval-ms", defaultIntervalMS, "tick interval in milliseconds")
	flags.IntVar(&durationMS, "default-duration-ms", defaultDurationMS, "transition length for requests without a duration")
	flags.BoolVar(&clamp, "clamp", true, "never go above 100%")
	flags.StringVar(&pulseServer, "pulse-server", "", "PulseAudio server address (default from the environment)")
	flags.StringVar(&pulseApp, "app-name", defaultPulseAppName, "application name shown by the sound server")
	flags.StringVar(&statusListen, "status-listen", "", "serve the status feed and metrics on host:port")
	flags.StringVar(&logLevel, "log-level", defaultLogLevel, "log level: error, warn, info, debug")
	flags.BoolVar(&logTimings, "log-timings", false, "log how long every tick takes")

	return cmd
}

// run starts every daemon goroutine and waits for them. Only setup failures
// (sound server, socket bind) are returned as errors.
func run(ctx context.Context, cfg Config, configPath string, overrides FlagOverrides, levelVar *slog.LevelVar, logger *slog.Logger) error {
	stats := NewStats()

	audio, err := DialPulseAudio(cfg.Pulse, logger)
	if err != nil {
		logger.Error("cannot connect to PulseAudio", "error", err)
		return err
	}
	defer audio.Close()

	queue := NewRequestQueue()
	listener, err := ListenUnix(cfg.SocketPath, queue, stats, logger)
	if err != nil {
		logger.Error("cannot bind socket", "error", err)
		return err
	}

	var events chan StatusEvent
	if cfg.Status.Listen != "" {
		events = make(chan StatusEvent, statusEventBuffer)
	}
	controller := NewController(cfg.ToControllerConfig(), audio, queue, stats, events, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listener.Serve(gctx)
	})
	g.Go(func() error {
		return controller.Run(gctx)
	})

	if cfg.Status.Listen != "" {
		hub := NewHub(logger)
		context.AfterFunc(gctx, hub.Close)
		broadcaster := NewBroadcaster(hub, events, logger)
		mux := newStatusMux(NewStatusServer(logger, hub, broadcaster), stats)

		g.Go(func() error {
			broadcaster.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return runStatusServer(gctx, cfg.Status.Listen, mux, logger)
		})
	}

	if configPath != "" {
		watcher := NewConfigWatcher(configPath, overrides, cfg, levelVar, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	logger.Info("pasvd started",
		"version", version,
		"socket", cfg.SocketPath,
		"interval_ms", cfg.Controller.IntervalMS,
		"default_duration_ms", cfg.Controller.DefaultDurationMS,
		"clamp", cfg.Controller.Clamp,
		"status", cfg.Status.Listen)

	err = g.Wait()
	queue.Close()
	if err != nil {
		logger.Error("pasvd stopped", "error", err)
		return err
	}
	logger.Info("pasvd stopped")
	return nil
}
