// swupdd - Entry Point
//
// swupdd publishes the swupd software update client on D-Bus. Unprivileged
// callers ask it to check for updates, update, verify, add or remove bundles;
// the daemon runs one swupd process at a time, streams its output back as
// signals and reports its exit status when it finishes.
//
// The daemon is meant to be bus-activated: it exits on its own once it has
// been idle for idle_timeout seconds and is started again on the next call.
//
// Configuration is loaded from /etc/swupdd/config.yaml (or the path given by
// --config). A missing file at the default path means built-in defaults.
//
// Lifecycle:
//  1. Load configuration and set up the structured logger
//  2. Connect to the bus and, if configured, the NATS event mirror
//  3. Export the method object and acquire the service name
//  4. Notify systemd that the service is ready (Type=notify)
//  5. Run the event loop until it goes idle, loses the bus, or is signalled
//  6. Coordinated shutdown with timeout
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/o1/swupdd/internal/config"
	"github.com/o1/swupdd/internal/daemon"
	"github.com/o1/swupdd/internal/dbus"
	"github.com/o1/swupdd/internal/executor"
	"github.com/o1/swupdd/internal/logging"
	natsinternal "github.com/o1/swupdd/internal/nats"
	"github.com/o1/swupdd/internal/shutdown"
	"github.com/o1/swupdd/internal/systemd"
	"github.com/o1/swupdd/internal/version"
)

const (
	// shutdownTimeout bounds the release of the bus, mirror and log file.
	shutdownTimeout = 10 * time.Second

	// natsConnectTimeout bounds the initial connection to the mirror.
	natsConnectTimeout = 5 * time.Second

	// healthTimeout is how long the watchdog waits for the event loop to answer.
	healthTimeout = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	dumpConfig := pflag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Use basic stderr logging before logger is configured
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		return 1
	}

	if *dumpConfig {
		data, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			return 1
		}
		os.Stdout.Write(data)
		return 0
	}

	logger, logCloser := logging.SetupLogger(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})

	logger.Info("swupdd starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.String("bus", cfg.Bus),
		slog.String("service_name", cfg.ServiceName),
		slog.String("program", cfg.Program),
		slog.Int("idle_timeout", cfg.IdleTimeout),
	)

	// The client may be installed after we start; a spawn failure is reported
	// per call, so this is only a hint for the operator. A successful lookup
	// is reused by every spawn.
	runner := executor.New()
	if path, err := runner.Resolve(cfg.Program); err != nil {
		logger.Warn("update client not found", slog.String("program", cfg.Program), slog.String("error", err.Error()))
	} else {
		logger.Debug("update client resolved", slog.String("path", path))
	}

	coordinator := shutdown.NewCoordinator(logger)
	coordinator.Register("log file", shutdown.Func(func(ctx context.Context) error {
		return logCloser.Close()
	}))

	exitCode := serve(cfg, runner, logger, coordinator)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}

	logger.Info("swupdd stopped", slog.Int("exit_code", exitCode))
	return exitCode
}

// serve connects the daemon to its transports and runs the event loop.
// Everything it opens is registered with coordinator.
func serve(cfg *config.Config, runner *executor.Runner, logger *slog.Logger, coordinator *shutdown.Coordinator) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var mirrors []daemon.Sink
	if cfg.NATSEnabled() {
		natsClient := natsinternal.NewClient(natsinternal.Config{
			Servers:  cfg.NATSServers,
			NKeySeed: cfg.NATSNKeySeed,
			Subject:  cfg.NATSSubject,
		}, logger)

		connectCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
		err := natsClient.Connect(connectCtx)
		cancel()
		if err != nil {
			// The mirror is optional; the bus remains the source of truth.
			logger.Warn("NATS mirror disabled", slog.String("error", err.Error()))
		} else {
			coordinator.Register("nats", natsClient)
			mirrors = append(mirrors, natsinternal.NewPublisher(natsClient, logging.WithComponent(logger, "nats")))
		}
	}

	bus, err := dbus.Connect(dbus.Config{
		Bus:         cfg.Bus,
		ServiceName: cfg.ServiceName,
		ObjectPath:  cfg.ObjectPath,
		Interface:   cfg.Interface,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to bus", "error", err)
		return 1
	}
	coordinator.Register("dbus", bus)

	d := daemon.New(daemon.Options{
		Program:     cfg.Program,
		IdleTimeout: cfg.Idle(),
		Transport:   bus,
		Spawner:     daemon.ExecSpawner(runner),
		Mirrors:     mirrors,
		Echo:        os.Stdout,
		NotifyStopping: func() {
			systemd.NotifyStopping()
		},
		NotifyStatus: func(status string) {
			systemd.NotifyStatus(status)
		},
		Logger: logger,
	})

	if err := bus.Export(d); err != nil {
		logger.Error("failed to export object", "error", err)
		return 1
	}
	if err := bus.RequestName(); err != nil {
		logger.Error("failed to acquire service name", "error", err)
		return 1
	}

	systemd.NotifyReady("Serving " + cfg.ServiceName)

	systemd.StartWatchdog(ctx, func() bool {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		_, err := d.Status(hctx)
		return err == nil
	})

	err = d.Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, daemon.ErrTransportFailure):
		logger.Error("lost the bus", "error", err)
	default:
		logger.Error("event loop failed", "error", err)
	}
	return 1
}
