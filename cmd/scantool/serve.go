package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/formatter"
	"scantool/internal/metrics"
	"scantool/internal/store"
	"scantool/internal/web"
)

// serve runs the scanner daemon until SIGINT or SIGTERM.
func serve(cfg *Config, logger *slog.Logger) error {
	logger.Info("scantool starting", "version", version, "sdk", device.Version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	dev, err := openDevice(cfg, logger, device.WithJournal(db))
	if err != nil {
		return fmt.Errorf("open scanner: %w", err)
	}
	defer dev.Close()

	bus := events.NewBus(logger)
	inv := newInventory(db, dev.Port(), cfg.Store.KeepUpdates, logger)
	if err := inv.attach(dev.Kind()); err != nil {
		logger.Warn("record scanner", "err", err)
	}
	defer inv.subscribe(bus)()

	var pumpOpts []events.PumpOption
	if cfg.Formatter.Script != "" {
		fopts := []formatter.Option{formatter.WithPort(dev.Port())}
		if cfg.Formatter.Timeout != "" {
			d, _ := time.ParseDuration(cfg.Formatter.Timeout)
			fopts = append(fopts, formatter.WithTimeout(d))
		}
		f, err := formatter.Load(cfg.Formatter.Script, logger, fopts...)
		if err != nil {
			return fmt.Errorf("load formatter: %w", err)
		}
		defer f.Close()
		pumpOpts = append(pumpOpts, events.WithTransform(f.Format))
		logger.Info("scan formatter loaded", "script", cfg.Formatter.Script)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		events.NewPump(dev, bus, logger, pumpOpts...).Run(ctx)
	}()

	webOpts := []web.ServerOption{web.WithStore(db), web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.MaxFirmware > 0 {
		webOpts = append(webOpts, web.WithMaxFirmware(cfg.Web.MaxFirmware))
	}
	if cfg.Web.Metrics {
		m := metrics.New()
		m.SetPlugged(dev.Port(), true)
		defer m.Subscribe(bus)()
		webOpts = append(webOpts, web.WithMetrics(m))
	}
	webServer := web.NewServer(dev, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(dev, bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	<-pumpDone

	logger.Info("goodbye")
	return nil
}
