// Command throttlebox runs the transparent MQTT reverse proxy: it binds a
// TCP listener for inbound MQTT clients, forwards traffic to an upstream
// broker, and rate-limits each client's message rate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/throttlebox/internal/capture"
	"github.com/example/throttlebox/internal/config"
	"github.com/example/throttlebox/internal/httpapi"
	"github.com/example/throttlebox/internal/logging"
	"github.com/example/throttlebox/internal/metrics"
	"github.com/example/throttlebox/internal/proxy"
	"github.com/example/throttlebox/internal/ratelimit"
)

const (
	cleanupInterval         = 5 * time.Minute
	adminPolicyWindow       = time.Minute
	adminPolicyBurst        = 30
	adminShutdownGrace      = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	sink := metrics.NewPrometheusSink(cfg.MetricsNamespace)

	defaultPolicy := ratelimit.Policy{
		RefillRatePerSec: cfg.MaxMessagesPerSec,
		BurstCapacity:    cfg.BurstSize,
		BlockDuration:    time.Duration(cfg.BlockDurationSec) * time.Second,
	}
	limiter := ratelimit.New(defaultPolicy, sink, nil)

	var recorder *capture.Recorder
	if cfg.CaptureDir != "" {
		recorder, err = capture.NewRecorder(cfg.CaptureDir, nil, logger.With(logging.String("component", "capture")))
		if err != nil {
			logger.Fatal("failed to initialise capture recorder", logging.Error(err))
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Warn("capture recorder close failed", logging.Error(err))
			}
		}()

		cleaner := capture.NewCleaner(cfg.CaptureDir, cfg.CaptureMaxAge, cfg.CaptureMaxFiles, logger.With(logging.String("component", "capture_cleaner")))
		cleanerDone := make(chan struct{})
		go cleaner.Run(cleanerDone, cleanupInterval)
		defer close(cleanerDone)
	}

	srv := proxy.NewServer(cfg.ListenAddr(), cfg.BrokerAddr(), limiter, sink, recorder, logger)

	proxyErrCh := make(chan error, 1)
	go func() {
		proxyErrCh <- srv.Run()
	}()

	var adminServer *http.Server
	if cfg.AdminAddress != "" {
		adminLogger := logger.With(logging.String("component", "admin_http"))
		policyLimiter := httpapi.NewSlidingWindowLimiter(adminPolicyWindow, adminPolicyBurst, nil)
		handlers := httpapi.NewHandlerSet(httpapi.Options{
			Logger:            adminLogger,
			Readiness:         srv,
			Limiter:           limiter,
			MetricsSink:       sink,
			AdminToken:        cfg.AdminToken,
			PolicyRateLimiter: policyLimiter,
		})
		mux := http.NewServeMux()
		handlers.Register(mux)
		adminServer = &http.Server{Addr: cfg.AdminAddress, Handler: logging.HTTPTraceMiddleware(adminLogger)(mux)}

		go func() {
			logger.Info("admin server listening", logging.String("address", cfg.AdminAddress))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("admin server terminated", logging.Error(err))
			}
		}()
	}

	logger.Info("proxy starting",
		logging.String("listen_addr", cfg.ListenAddr()),
		logging.String("broker_addr", cfg.BrokerAddr()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-proxyErrCh:
		if err != nil {
			logger.Fatal("proxy server terminated", logging.Error(err))
		}
		return
	}

	srv.Stop()
	select {
	case <-proxyErrCh:
	case <-time.After(adminShutdownGrace):
		logger.Warn("proxy server did not stop within grace period")
	}

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), adminShutdownGrace)
		defer cancel()
		if err := adminServer.Shutdown(ctx); err != nil {
			logger.Warn("admin server shutdown error", logging.Error(err))
		}
	}

	logger.Info("proxy stopped")
}
