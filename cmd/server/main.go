package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoosGun/SNet/internal/config"
	"github.com/ShoosGun/SNet/internal/metrics"
	"github.com/ShoosGun/SNet/internal/server"
	"github.com/ShoosGun/SNet/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "snet"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Bool("allow_any_address", cfg.Server.AllowAnyAddress),
		slog.Int("max_clients", cfg.Server.MaxClients),
		slog.Int("tick_rate", cfg.Server.TickRate),
		slog.Int("connection_timeout_ms", cfg.Transport.ConnectionTimeout),
		slog.Int("max_datagram_size", cfg.Transport.MaxDatagramSize),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	srv := server.New(server.Config{
		Listener: transport.Config{
			BindAddress:       cfg.Server.BindAddress,
			Port:              cfg.Server.UDPPort,
			AllowAnyAddress:   cfg.Server.AllowAnyAddress,
			MaxClients:        cfg.Server.MaxClients,
			SweepInterval:     cfg.Transport.GetSweepIntervalDuration(),
			ConnectionTimeout: cfg.Transport.GetConnectionTimeoutDuration(),
			HandshakeTimeout:  cfg.Transport.GetHandshakeTimeoutDuration(),
			MaxDatagramSize:   cfg.Transport.MaxDatagramSize,
			ReadBufferSize:    cfg.Transport.ReadBufferSize,
		},
		QueueLockWait: cfg.Server.GetQueueLockWaitDuration(),
	}, logger, appMetrics)

	srv.OnClientDisconnected(func(clientID string, reason transport.DisconnectReason) {
		if reason == transport.TimedOut {
			logger.Warn("Client timed out", slog.String("client_id", clientID))
		}
	})

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, srv, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		runTickLoop(ctx, srv, cfg.Server.GetTickInterval())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", srv.Addr().String()),
		slog.Duration("tick_interval", cfg.Server.GetTickInterval()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop ticking before the listener so no drain races the shutdown
	cancel()
	<-tickDone

	stats := srv.Statistics()

	if err := srv.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	logger.Info("Final server statistics",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("retransmissions", stats.Retransmissions),
		slog.Uint64("messages_processed", stats.MessagesProcessed),
		slog.Uint64("envelope_errors", stats.EnvelopeErrors),
		slog.Int("connected_clients", stats.ConnectedClients),
	)

	logger.Info("Service stopped")
}

// runTickLoop drains the receive queue once per simulation tick
func runTickLoop(ctx context.Context, srv *server.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.CheckReceivedData()
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
