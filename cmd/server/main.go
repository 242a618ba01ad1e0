package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/config"
	"stream-rpc/logging"
	"stream-rpc/middleware"
	"stream-rpc/payment"
	"stream-rpc/registry"
	"stream-rpc/server"
	"stream-rpc/telemetry"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		log.Fatalf("Init logging: %v", err)
	}

	opts := []server.Option{
		server.WithStreamCapacity(cfg.StreamCapacity),
		server.WithStreamWindow(cfg.StreamWindow),
		server.WithMaxStreams(cfg.MaxStreams),
		// Three missed heartbeats mean the client is gone.
		server.WithIdleTimeout(3 * cfg.HeartbeatInterval()),
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(cfg.Telemetry.ServiceName, cfg.Telemetry.Exporter, 30*time.Second)
		if err != nil {
			logrus.Fatalf("Failed to set up telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logrus.WithError(err).Warn("Failed to flush telemetry")
			}
		}()
		tcfg := telemetry.DefaultConfig()
		tcfg.ServiceName = cfg.Telemetry.ServiceName
		opts = append(opts, server.WithHook(telemetry.NewHook(tcfg)))
	}

	if cfg.Registry.Enabled {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, 5*time.Second)
		if err != nil {
			logrus.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseAddr, cfg.Registry.TTLSeconds))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware())
	if cfg.RateLimit.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.TimeoutMs > 0 {
		svr.Use(middleware.TimeoutMiddleware(cfg.Timeout()))
	}

	if err := payment.Register(svr, payment.NewPaymentService(cfg.Payment)); err != nil {
		logrus.Fatalf("Failed to register services: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.ListenAndServe(cfg.Network, cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			logrus.Errorf("Server stopped: %v", err)
		}
	}

	if err := svr.Shutdown(cfg.ShutdownTimeout()); err != nil {
		logrus.WithError(err).Warn("Shutdown incomplete")
	}
	logrus.Info("Shutdown complete")
}
