package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lumehub/internal/config"
	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/expr"
	"lumehub/internal/group"
	"lumehub/internal/hub"
	"lumehub/internal/integration"
	"lumehub/internal/integration/virtual"
	"lumehub/internal/rule"
	"lumehub/internal/scene"
	"lumehub/internal/store"
	"lumehub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("lumehub starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := event.NewBus()
	groups := group.New(cfg.Groups)
	engine := expr.New(groups)
	scenes := scene.New(cfg.Scenes, groups, engine, db)
	if err := scenes.RefreshStoredScenes(); err != nil {
		logger.Error("load stored scenes", "err", err)
		os.Exit(1)
	}

	// Integrations from config.
	registry := integration.NewRegistry(logger)
	for id, ic := range cfg.Integrations {
		intg, err := createIntegration(id, ic, bus, logger)
		if err != nil {
			logger.Error("create integration", "integration", id, "err", err)
			os.Exit(1)
		}
		if err := registry.Add(intg); err != nil {
			logger.Error("register integration", "integration", id, "err", err)
			os.Exit(1)
		}
	}

	// The rule engine reads state through the hub's dispatcher-context
	// snapshot; the closure breaks the construction cycle.
	var h *hub.Hub
	rules := rule.New(cfg.Routines, engine, bus, func() device.DevicesState {
		return h.DeviceSnapshot()
	}, logger)

	h = hub.New(hub.Config{
		Bus:      bus,
		Store:    db,
		Groups:   groups,
		Scenes:   scenes,
		Expr:     engine,
		Rules:    rules,
		Registry: registry,
		Logger:   logger,
	})

	// Web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(h, h, scenes, groups, logger, webOpts...)
	h.SetBroadcaster(webServer)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Dispatcher
	runCtx, runCancel := context.WithCancel(context.Background())
	go h.Run(runCtx)

	// Bring integrations up once the dispatcher is draining the queue.
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registry.RegisterAll(startCtx); err != nil {
		logger.Error("register integrations", "err", err)
		startCancel()
		runCancel()
		os.Exit(1)
	}
	if err := registry.StartAll(startCtx); err != nil {
		logger.Error("start integrations", "err", err)
		startCancel()
		runCancel()
		os.Exit(1)
	}
	startCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	registry.StopAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	runCancel()
	bus.Close()

	logger.Info("goodbye")
}

func createIntegration(id device.IntegrationID, ic config.Integration, bus *event.Bus, logger *slog.Logger) (integration.Integration, error) {
	switch ic.Plugin {
	case "mqtt":
		return newMQTTIntegration(id, ic.Settings, bus, logger)
	case "virtual":
		var vc virtual.Config
		if err := ic.Settings.Decode(&vc); err != nil {
			return nil, fmt.Errorf("decode virtual settings: %w", err)
		}
		return virtual.New(id, vc, bus, logger)
	default:
		return nil, fmt.Errorf("unknown plugin %q (supported: mqtt, virtual)", ic.Plugin)
	}
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
