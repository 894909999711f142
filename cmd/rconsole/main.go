// rconsole - a Source RCON console and gateway.
//
// rconsole keeps an authenticated RCON session open to one game server,
// reconnecting as needed, and exposes it through an interactive console,
// a REST API with a websocket console, Prometheus metrics and MQTT
// telemetry. Every command is recorded in a local SQLite history.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconsole/internal/api"
	"github.com/energizer-project/rconsole/internal/cli"
	"github.com/energizer-project/rconsole/internal/config"
	"github.com/energizer-project/rconsole/internal/connector"
	"github.com/energizer-project/rconsole/internal/db"
	"github.com/energizer-project/rconsole/internal/events"
	"github.com/energizer-project/rconsole/internal/health"
	"github.com/energizer-project/rconsole/internal/metrics"
	"github.com/energizer-project/rconsole/internal/scheduler"
	"github.com/energizer-project/rconsole/internal/telemetry"
	"github.com/energizer-project/rconsole/internal/util"
)

const (
	AppName    = "rconsole"
	AppVersion = "1.0.0"
	Banner     = `
 rconsole v%s
 Source RCON console & gateway
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	noCLI := flag.Bool("no-cli", false, "run without the interactive console")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	logs, err := util.NewLogRotator(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting rconsole")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.IsFirstRun() && !*noCLI {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	logging := cfg.GetLogging()
	logs.Close()
	logs, err = util.NewLogRotator(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reconfigure logger: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	m := metrics.New()
	m.Subscribe(eventBus)

	var history *db.HistoryStore
	if h := cfg.GetHistory(); h.Enabled {
		history, err = db.NewHistoryStore(h.Path, h.Retention)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
		} else {
			history.Subscribe(eventBus)
		}
	}

	rconConn := connector.NewRCONConnector(cfg, eventBus)
	healthMgr := health.NewManager(cfg, eventBus, rconConn)
	sched := scheduler.NewScheduler(logs.Rotate, historyCounter(history))

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		api.Version = AppVersion
		apiServer = api.NewServer(cfg, rconConn, apiHistory(history), m)
	}

	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv := cfg.GetServer()
		log.Info().Str("host", srv.Host).Int("port", srv.Port).Msg("starting RCON connector")
		if err := rconConn.Run(ctx); err != nil {
			errCh <- fmt.Errorf("rcon connector: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("listen", cfg.GetAPI().Listen).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !*noCLI {
		// Not in the WaitGroup: a read on stdin cannot be interrupted.
		go func() {
			log.Info().Msg("starting interactive console")
			cli.NewCLI(rconConn, cliHistory(history), eventBus, os.Stdin, os.Stdout).Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	// Stop the bus before the history store so queued commands are recorded.
	eventBus.Stop()
	if history != nil {
		history.Close()
	}

	log.Info().Msg("rconsole stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, waiting 3 seconds between attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

// The helpers below keep a nil store from becoming a non-nil interface.

func apiHistory(h *db.HistoryStore) api.HistoryReader {
	if h == nil {
		return nil
	}
	return h
}

func cliHistory(h *db.HistoryStore) cli.HistoryReader {
	if h == nil {
		return nil
	}
	return h
}

func historyCounter(h *db.HistoryStore) scheduler.HistoryCounter {
	if h == nil {
		return nil
	}
	return h
}
