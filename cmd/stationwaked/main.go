package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/accuracy"
	"github.com/stationwake/stationwake/pkg/api"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/decision"
	"github.com/stationwake/stationwake/pkg/location"
	"github.com/stationwake/stationwake/pkg/logx"
	"github.com/stationwake/stationwake/pkg/metrics"
	"github.com/stationwake/stationwake/pkg/monitor"
	"github.com/stationwake/stationwake/pkg/notify"
	"github.com/stationwake/stationwake/pkg/pidfile"
	"github.com/stationwake/stationwake/pkg/store"
	"github.com/stationwake/stationwake/pkg/telem"
	"github.com/stationwake/stationwake/pkg/timetable"
)

var (
	configPath = flag.String("config", "/etc/stationwake/config.json", "Path to configuration file")
	pidPath    = flag.String("pid-file", "/tmp/stationwaked.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "stationwaked"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if !cfg.Enable {
		logger.Info("Daemon disabled by configuration, exiting")
		os.Exit(0)
	}

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting stationwake daemon", "version", AppVersion, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence and telemetry.
	alertStore, err := store.New(cfg.DBPath, logger.WithComponent("store"))
	if err != nil {
		logger.Error("Failed to open alert store", "error", err)
		os.Exit(1)
	}
	defer alertStore.Close()

	telemStore, err := telem.NewStore(cfg.RetentionHours, cfg.MaxRAMMB)
	if err != nil {
		logger.Error("Failed to create telemetry store", "error", err)
		os.Exit(1)
	}
	defer telemStore.Close()

	// Timetable pipeline: optional Google transit source behind the sqlite
	// cache.
	ttCache, err := timetable.NewCache(cfg.TimetableCachePath, logger.WithComponent("timetable"))
	if err != nil {
		logger.Error("Failed to open timetable cache", "error", err)
		os.Exit(1)
	}
	defer ttCache.Close()

	var ttSource pkg.TimetableService
	var googleSvc *timetable.GoogleService
	if cfg.GoogleAPIEnabled {
		googleSvc, err = timetable.NewGoogleService(cfg, logger.WithComponent("timetable"))
		if err != nil {
			logger.Error("Failed to create timetable source", "error", err)
			os.Exit(1)
		}
		ttSource = googleSvc
	} else {
		logger.Info("Timetable source disabled, serving cached timetables only")
	}
	ttService := timetable.NewCachedService(ttSource, ttCache, cfg, logger.WithComponent("timetable"))

	// MQTT transport: notification delivery, event publishing and the fix feed.
	mqttClient := notify.NewClient(&cfg.MQTT, logger.WithComponent("mqtt"))
	if err := mqttClient.Connect(); err != nil {
		logger.Error("Failed to connect MQTT transport", "error", err)
		os.Exit(1)
	}
	defer mqttClient.Disconnect()

	scheduler := notify.NewScheduler(mqttClient, &cfg.MQTT, logger.WithComponent("notify"))
	provider := location.NewMQTTProvider(mqttClient, &cfg.MQTT, logger.WithComponent("location"))

	// Decision pipeline.
	m := metrics.New()
	classifier := accuracy.NewClassifier(cfg, logger.WithComponent("accuracy"))
	engine := decision.NewEngine(cfg, logger.WithComponent("decision"))
	mon := monitor.New(cfg, logger.WithComponent("monitor"), engine, classifier,
		alertStore, scheduler, ttService, telemStore, m)

	telemStore.SetEventCallback(func(event *pkg.Event) {
		if err := mqttClient.PublishEvent(event); err != nil {
			logger.Warn("Failed to publish event", "type", event.Type, "error", err)
		}
	})

	provider.SetFixCallback(func(sample *pkg.LocationSample) {
		if googleSvc != nil && sample.AccuracyM >= 0 {
			googleSvc.SetOrigin(sample.Coordinate())
		}
		mon.HandleFix(sample)
	})

	go mon.Run(ctx)

	if err := mon.ReloadAlerts(ctx); err != nil {
		logger.Error("Failed to load alerts", "error", err)
		os.Exit(1)
	}

	if err := provider.Start(); err != nil {
		logger.Error("Failed to subscribe to fix feed", "error", err)
		os.Exit(1)
	}
	if provider.Authorization() != pkg.AuthGranted {
		logger.Warn("Location feed not available", "authorization", provider.Authorization().String())
	}

	debugServer := api.NewServer(cfg, logger.WithComponent("api"), mon, engine, telemStore, alertStore, m)
	if err := debugServer.Start(); err != nil {
		logger.Error("Failed to start debug server", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := debugServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Debug server shutdown failed", "error", err)
		}
	}()

	go mon.RefreshTimetables(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	decisionTicker := time.NewTicker(time.Duration(cfg.DecisionIntervalMS) * time.Millisecond)
	defer decisionTicker.Stop()
	refreshTicker := time.NewTicker(time.Duration(cfg.TimetableValidityS) * time.Second / 2)
	defer refreshTicker.Stop()
	cleanupTicker := time.NewTicker(time.Duration(cfg.CleanupIntervalMS) * time.Millisecond)
	defer cleanupTicker.Stop()

	lastProfile := mon.UpdateProfile()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("Reloading alerts on SIGHUP")
				if err := mon.ReloadAlerts(ctx); err != nil {
					logger.Error("Alert reload failed", "error", err)
				}
				continue
			}
			logger.Info("Shutting down", "signal", sig.String())
			cancel()
			return

		case <-decisionTicker.C:
			mon.HandleTimer()

			if profile := mon.UpdateProfile(); profile != lastProfile {
				lastProfile = profile
				logger.Debug("Polling profile changed",
					"interval", profile.Interval.String(),
					"power", profile.Power.String())
				if err := provider.PublishProfile(profile); err != nil {
					logger.Warn("Failed to publish polling profile", "error", err)
				}
			}

		case <-refreshTicker.C:
			go mon.RefreshTimetables(ctx)

		case <-cleanupTicker.C:
			telemStore.Cleanup()
		}
	}
}
