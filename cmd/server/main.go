// Command server runs the tourist-safety tracking engine: fix
// ingestion, geofence evaluation, alerting, and the subscription hub,
// over HTTP and WebSocket, with TimescaleDB history and best-effort
// MQTT fan-out.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/config"
	"github.com/touristsafety/trackengine/internal/consent"
	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/engine"
	"github.com/touristsafety/trackengine/internal/httpapi"
	"github.com/touristsafety/trackengine/internal/ingest"
	"github.com/touristsafety/trackengine/internal/mqttpub"
	"github.com/touristsafety/trackengine/internal/storage"
	"github.com/touristsafety/trackengine/internal/zones"
)

// warmWait bounds how long startup listens for retained live positions
// before serving traffic.
const warmWait = 2 * time.Second

func setupMetrics() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting tracking engine")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry := setupMetrics()

	// MQTT is the best-effort tier: cross-process event mirror plus the
	// retained-message hot cache. A broker outage at boot degrades both
	// but never blocks startup.
	var (
		mirror   engine.EventMirror
		hotCache ingest.HotCache
		mqttPub  *mqttpub.Publisher
	)
	if cfg.MQTT.Enabled {
		mqttPub = mqttpub.New(cfg.MQTT, logger, registry)
		if err := mqttPub.Connect(); err != nil {
			logger.Warn("MQTT unavailable, continuing without event mirror and hot cache", zap.Error(err))
			mqttPub = nil
		} else {
			mirror = mqttPub
			hotCache = mqttPub
		}
	}

	// The history store is required for analytics; strict mode makes its
	// absence fatal, otherwise the engine starts degraded.
	var (
		history        ingest.HistoryStore
		historyHealthy func() bool
		store          *storage.TimescaleStore
	)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	store, err = storage.New(initCtx, cfg.DB, logger)
	cancelInit()
	if err != nil {
		if cfg.Server.StrictHistory {
			logger.Fatal("history store init failed in strict mode", zap.Error(err))
		}
		logger.Warn("history store unavailable, starting in degraded mode", zap.Error(err))
	} else {
		history = store
		historyHealthy = store.Healthy
	}

	zoneRegistry, err := zones.New(zones.Config{
		PersistPath: cfg.Zones.SnapshotPath,
		WatchFile:   cfg.Zones.WatchFile,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize zone registry", zap.Error(err))
	}

	consentStore := consent.New([]byte(cfg.Auth.AnonymizationSalt))

	eng := engine.New(engine.Options{
		Logger:         logger,
		Config:         cfg.Engine,
		Registry:       registry,
		Zones:          zoneRegistry,
		Consent:        consentStore,
		History:        history,
		HistoryHealthy: historyHealthy,
		HotCache:       hotCache,
		Mirror:         mirror,
	})

	// Warm the live-position view from the retained tree so restarts
	// don't blank the operator map.
	if mqttPub != nil {
		if err := mqttPub.WarmLatest(warmWait, func(id string, f domain.Fix) {
			eng.WarmPosition(id, f)
		}); err != nil {
			logger.Warn("hot-cache warm-up failed", zap.Error(err))
		}
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	if store != nil && cfg.DB.RetentionEnabled {
		go store.RunCompactor(rootCtx, cfg.DB.CompactInterval)
	}
	go zoneRegistry.RunCompactor(rootCtx, cfg.Zones.CompactInterval)

	verifier := httpapi.NewHMACVerifier([]byte(cfg.Auth.TokenSecret), cfg.Auth.ImpersonationAllowed)
	api := httpapi.New(eng, verifier, logger, registry)

	addr := ":" + cfg.Server.Port
	server := &http.Server{
		Addr:    addr,
		Handler: api.Router(),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("HTTP server listening", zap.String("address", addr))
		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Fatal("HTTP server listen error", zap.Error(srvErr))
		}
	}()

	sig := <-quit
	logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(server, cfg.Server.GracefulTimeout, zoneRegistry, store, mqttPub, cancelRoot, logger)
}

func gracefulShutdown(server *http.Server, timeout time.Duration, zoneRegistry *zones.Registry, store *storage.TimescaleStore, mqttPub *mqttpub.Publisher, cancelRoot context.CancelFunc, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancelRoot()

	if zoneRegistry != nil {
		if err := zoneRegistry.Close(ctx); err != nil {
			logger.Warn("zone registry close error", zap.Error(err))
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("history store close error", zap.Error(err))
		}
	}
	if mqttPub != nil {
		mqttPub.Disconnect()
	}

	logger.Sync()
	logger.Info("graceful shutdown completed")
}
