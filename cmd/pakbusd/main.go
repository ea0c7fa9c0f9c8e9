// Command pakbusd runs the PakBus link-layer engine: it wires config,
// logging, metrics, the Router, and the serial/WebSocket ports together
// and serves /health and /metrics over HTTP, the way
// go-server-3/cmd/odin-ws/main.go wires its own chat server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/campbellsci/pakbus-link/internal/cipher"
	"github.com/campbellsci/pakbus-link/internal/config"
	"github.com/campbellsci/pakbus-link/internal/link"
	"github.com/campbellsci/pakbus-link/internal/logging"
	"github.com/campbellsci/pakbus-link/internal/metrics"
	"github.com/campbellsci/pakbus-link/internal/port"
	"github.com/campbellsci/pakbus-link/internal/router"
	"github.com/campbellsci/pakbus-link/internal/wsport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	pakbusRouter, err := buildRouter(cfg, logger, metricsRegistry)
	if err != nil {
		logger.Fatal("router init failed", zap.Error(err))
	}

	var pakbusCipher *cipher.Cipher
	if cfg.Node.EncryptionKey != "" {
		pakbusCipher = cipher.New(cfg.Node.EncryptionKey)
	}

	portCfg := port.Config{
		MaintenanceInterval: cfg.Port.MaintenanceInterval,
		ClosePortDelay:      cfg.Port.ClosePortDelay,
		SendDelay:           cfg.Port.SendDelay,
		MaxBodyLen:          cfg.Port.MaxBodyLen,
		BeaconInterval:      cfg.Port.BeaconInterval,
		LinkConfig: link.Config{
			WatchdogTimeout: cfg.Link.Timeout,
			RingRetryMin:    cfg.Link.RingRetryMin,
			RingRetryMax:    cfg.Link.RingRetryMaxWait,
			RingRetryCount:  cfg.Link.RingRetryMax,
			FinishedDelay:   cfg.Link.FinishedDelay,
			FirstRingSyncs:  6,
		},
	}

	wsPort := wsport.NewPort("pakbus-ws", wsport.Config{
		URL:             cfg.WS.URL,
		NetworkID:       cfg.Node.NetworkID,
		BeaconInterval:  cfg.WS.BeaconInterval,
		ReconnectDelay:  cfg.WS.ReconnectDelay,
		ReconnectBudget: cfg.WS.ReconnectBudget,
		PortConfig:      portCfg,
	}, cfg.Node.Address, pakbusRouter, pakbusCipher, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wsPort.Start(ctx); err != nil {
		logger.Fatal("wsport start failed", zap.Error(err))
	}

	if cfg.Metrics.HostSampleInterval > 0 {
		sampler := metrics.NewHostSampler(metricsRegistry, logger, cfg.Metrics.HostSampleInterval)
		go sampler.Run(ctx)
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	wsPort.Stop()
	logger.Info("pakbusd stopped")
}

func buildRouter(cfg config.Config, logger *zap.Logger, reg *metrics.Registry) (router.Router, error) {
	switch cfg.Router.Backend {
	case "nats":
		return router.NewNatsRouter(cfg.Router.NatsURL, cfg.Router.Subject, cfg.Node.Address, logger, reg)
	default:
		return router.NewMemRouter(cfg.Node.Address, logger, reg), nil
	}
}

func runHTTPServer(ctx context.Context, cfg config.Config, reg *metrics.Registry, logger *zap.Logger) error {
	if !cfg.Metrics.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"node":      cfg.Node.Address,
		})
	})
	mux.Handle(cfg.Metrics.Endpoint, reg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
