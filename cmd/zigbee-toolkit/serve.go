package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"zigbee-toolkit/internal/commands"
	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/logging"
	"zigbee-toolkit/internal/metrics"
	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/scheduler"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/telemetry"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/web"
	"zigbee-toolkit/internal/zcl"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and serve commands over HTTP, MQTT, scripts and schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger, closeLog := logging.New(cfg.Log, os.Stdout)
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("zigbee-toolkit starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	registry := zcl.NewStandardRegistry(logger)
	if cfg.ClustersDir != "" {
		n, err := zcl.LoadClusterDir(cfg.ClustersDir, registry, logger)
		if err != nil {
			return fmt.Errorf("load cluster definitions: %w", err)
		}
		logger.Info("custom clusters loaded", "dir", cfg.ClustersDir, "count", n)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	backend, err := createNCP(cfg, logger)
	if err != nil {
		return fmt.Errorf("create NCP backend: %w", err)
	}
	defer backend.Close()

	extPanID, err := cfg.ExtPanID()
	if err != nil {
		return err
	}
	networkKey, err := cfg.NetworkKey()
	if err != nil {
		return err
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(backend, db, registry, events, coordinator.Config{
		Channel:    cfg.Network.Channel,
		PanID:      cfg.Network.PanID,
		ExtPanID:   extPanID,
		NetworkKey: networkKey,
	}, coordinator.NCPConfig{
		Type: cfg.NCP.Type,
		Port: cfg.NCP.Port,
		Baud: cfg.NCP.Baud,
	}, logger)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	routerOpts := []toolkit.Option{
		toolkit.WithApp(coord),
		toolkit.WithListener(events),
		toolkit.WithLogger(logger),
		toolkit.WithTracer(tracer),
		toolkit.WithObserver(toolkit.NewHistoryRecorder(db, cfg.Execute.HistoryLimit, logger)),
		toolkit.WithObserver(toolkit.EventPublisher(events)),
	}
	if cfg.Execute.Strict {
		routerOpts = append(routerOpts, toolkit.WithStrictLookup())
	}
	router := toolkit.NewRouter(routerOpts...)
	commands.RegisterAll(router, commands.Options{
		BackupDir:  cfg.Execute.BackupDir,
		FloodRate:  rate.Limit(cfg.Execute.FloodRate),
		FloodBurst: cfg.Execute.FloodBurst,
	})
	logger.Info("commands registered", "count", len(router.Commands()), "strict", cfg.Execute.Strict)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithAPIKey(cfg.Web.APIKey),
		web.WithAllowedOrigins(cfg.Web.AllowedOrigins),
		web.WithExecuteLimit(cfg.Web.ExecuteRate, cfg.Web.ExecuteBurst),
		web.WithExecuteTimeout(cfg.Execute.Timeout),
	}

	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		m := metrics.New(reg, func() int {
			devices, err := coord.Devices()
			if err != nil {
				return 0
			}
			return len(devices)
		})
		router.AddObserver(m)
		defer m.CountEvents(events)()
		webOpts = append(webOpts, web.WithMetrics(m, cfg.Metrics.Path, metrics.Handler(reg)))
	}

	sched := scheduler.New(router, cfg.Execute.Timeout, logger)
	for _, sc := range cfg.Schedules {
		if err := sched.Add(sc); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()
	webOpts = append(webOpts, web.WithSchedules(sched))

	// No-op when built with the no_automation tag.
	auto, autoWebOpts := initAutomation(router, coord, cfg, logger)
	defer auto.Stop()
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(router, coord, logger, webOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Execute.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// No-op when built with the no_mqtt tag.
	mqtt := initMQTT(router, coord, cfg, logger)
	defer mqtt.Stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("http server", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return nil
}

func createNCP(cfg *config.Config, logger *slog.Logger) (ncp.NCP, error) {
	switch cfg.NCP.Type {
	case "nrf52840", "":
		logger.Info("using nRF52840 NCP (ZBOSS/HDLC)", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)
		return ncp.NewZBOSS(cfg.NCP.Port, cfg.NCP.Baud, logger)
	default:
		return nil, fmt.Errorf("unknown NCP type: %q (supported: nrf52840)", cfg.NCP.Type)
	}
}
