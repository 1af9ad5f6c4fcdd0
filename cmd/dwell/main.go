// Dwell records which application has the foreground, hour by hour.
//
// It polls the foreground window, the system idle timer, known call
// processes, and background media players, and writes hour-aligned
// sessions to a SQLite database. A local HTTP API, a websocket event
// stream, Prometheus metrics, and optional Home Assistant MQTT sensors
// expose the live state. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	dwell serve              Start tracking
//	dwell init [dir]         Write a default config.yaml
//	dwell report [day]       Print per-app totals for a day
//	dwell version            Print version and build information
//	dwell -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/dwell/internal/api"
	"github.com/nugget/dwell/internal/buildinfo"
	"github.com/nugget/dwell/internal/call"
	"github.com/nugget/dwell/internal/classify"
	"github.com/nugget/dwell/internal/config"
	"github.com/nugget/dwell/internal/events"
	"github.com/nugget/dwell/internal/idle"
	"github.com/nugget/dwell/internal/loop"
	"github.com/nugget/dwell/internal/media"
	"github.com/nugget/dwell/internal/metrics"
	"github.com/nugget/dwell/internal/mqtt"
	"github.com/nugget/dwell/internal/opstate"
	"github.com/nugget/dwell/internal/probe"
	"github.com/nugget/dwell/internal/session"
	"github.com/nugget/dwell/internal/tracker"
	"github.com/nugget/dwell/internal/wake"
	"github.com/nugget/dwell/internal/window"
)

// main builds the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal
// errors are returned for main to print. Arguments are parsed by hand
// so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "report":
		day := ""
		if len(cmdArgs) > 0 {
			day = cmdArgs[0]
		}
		return runReport(ctx, stdout, configPath, day, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "dwell - foreground activity tracker")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: dwell [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start tracking and the local API")
	fmt.Fprintln(w, "  init [dir]    Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  report [day]  Per-app totals for a day (YYYY-MM-DD, default: today)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/dwell/config.yaml, /etc/dwell/config.yaml")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting dwell", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"data_dir", cfg.DataDir,
		"listen", cfg.Listen.Addr(),
	)

	// --- Storage ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := session.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open session database %s: %w", cfg.DBPath(), err)
	}
	defer store.Close()

	state, err := opstate.New(store.DB())
	if err != nil {
		return fmt.Errorf("open operational state: %w", err)
	}
	if err := closeOrphans(ctx, store, state, logger); err != nil {
		return err
	}

	// --- Tracker ---
	classifier, err := classify.New(cfg.Classify)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	bus := events.New()
	reg := metrics.NewRegistry()
	sessionMetrics := metrics.NewSessions(reg)

	l := loop.New(quartz.NewReal(), logger)
	sys := probe.NewSystem(logger)
	probes := tracker.Probes{
		Foreground: sys,
		Idle:       sys,
	}
	if !cfg.Calls.Disabled {
		probes.Process = sys
	}
	if !cfg.Media.Disabled {
		probes.Playback = probe.NewBackgroundPlayback(sys, sys)
	}

	trk, err := tracker.New(trackerConfig(cfg), tracker.Deps{
		Loop: l,
		Recorders: tracker.Recorders{
			Activity: store.Stream(session.StreamActivity),
			Call:     store.Stream(session.StreamCall),
			Media:    store.Stream(session.StreamMedia),
			Idle:     store.Stream(session.StreamIdle),
		},
		Probes:     probes,
		Classifier: classifier,
		Heartbeats: state,
		Observer: session.Observers{
			events.NewSessionPublisher(bus, time.Now),
			sessionMetrics,
		},
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The loop outlives ctx so shutdown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(loopCtx) }()

	if err := l.Do(ctx, func() { trk.Start(ctx) }); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- HTTP API ---
	var server *api.Server
	if !cfg.Listen.Disabled {
		server = api.NewServer(api.Options{
			Addr:     cfg.Listen.Addr(),
			Status:   trk,
			Sessions: store,
			Bus:      bus,
			Gatherer: reg,
			Logger:   logger,
		})
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	} else {
		logger.Info("api server disabled")
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, trk, store, bus, logger)
		g.Go(func() error {
			if err := mqttPub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := l.Do(shutdownCtx, func() { trk.Stop(shutdownCtx) }); err != nil {
			logger.Error("tracker shutdown failed", "error", err)
		}
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("api shutdown failed", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	stopLoop()
	<-loopDone
	if err != nil {
		return err
	}
	logger.Info("dwell stopped")
	return nil
}

// closeOrphans ends rows a previous process left open at its last
// recorded heartbeat.
func closeOrphans(ctx context.Context, store *session.Store, state *opstate.Store, logger *slog.Logger) error {
	lastSeen, ok, err := state.Heartbeat()
	if err != nil {
		return fmt.Errorf("read heartbeat: %w", err)
	}
	n, err := store.CloseOrphans(ctx, lastSeen)
	if err != nil {
		return fmt.Errorf("close orphan sessions: %w", err)
	}
	if n > 0 {
		logger.Info("closed orphan sessions", "count", n, "last_seen", lastSeen, "heartbeat_found", ok)
	}
	return nil
}

// trackerConfig converts file settings into component configs.
func trackerConfig(cfg *config.Config) tracker.Config {
	t := cfg.Tracking
	probeTimeout := config.Seconds(t.ProbeTimeoutSec)
	return tracker.Config{
		Window: window.Config{
			Interval:          config.Seconds(t.WindowIntervalSec),
			ProbeTimeout:      probeTimeout,
			SelfApp:           cfg.SelfApp,
			SplitHistoryDepth: t.SplitHistoryDepth,
		},
		Idle: idle.Config{
			Interval:        config.Seconds(t.IdleIntervalSec),
			StartThreshold:  config.Seconds(t.IdleStartSec),
			ResumeThreshold: config.Seconds(t.IdleResumeSec),
			ProbeTimeout:    probeTimeout,
		},
		Call: call.Config{
			Interval:     config.Seconds(cfg.Calls.IntervalSec),
			ProbeTimeout: probeTimeout,
			Targets:      cfg.Calls.Targets,
		},
		Media: media.Config{
			Interval:     config.Seconds(cfg.Media.IntervalSec),
			ProbeTimeout: probeTimeout,
		},
		Wake: wake.Config{
			Interval:  config.Seconds(t.WakeIntervalSec),
			Threshold: config.Seconds(t.WakeThresholdSec),
		},
	}
}

// loadConfig locates and parses the config file. Without an explicit
// path and with no file in the search path, defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if len(cfg.Calls.Targets) == 0 {
		cfg.Calls.Targets = call.DefaultTargets()
	}
	if len(cfg.Classify.Rules) == 0 && len(cfg.Classify.Meetings) == 0 && len(cfg.Classify.CallApps) == 0 {
		cfg.Classify = classify.DefaultConfig()
	}
	return cfg, cfgPath, nil
}
