// Package proxy implements the transparent MQTT reverse proxy: the
// per-connection Forwarder (C4) and the listen/accept Proxy Server (C5).
package proxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/example/throttlebox/internal/capture"
	"github.com/example/throttlebox/internal/logging"
	"github.com/example/throttlebox/internal/metrics"
	"github.com/example/throttlebox/internal/ratelimit"
)

const (
	acceptWakeup    = time.Second
	cleanupInterval = 5 * time.Minute
)

// Server is the listen/accept loop that spawns a Forwarder worker per
// accepted connection and periodically garbage-collects rate-limiter
// state.
type Server struct {
	listenAddr string
	brokerAddr string

	limiter  *ratelimit.Limiter
	sink     metrics.Sink
	recorder *capture.Recorder
	logger   *logging.Logger

	mu         sync.Mutex
	running    bool
	listener   *net.TCPListener
	bound      bool
	startedAt  time.Time
	startupErr error

	stopOnce sync.Once
	done     chan struct{}
}

// NewServer builds a Server bound to listenAddr that forwards to
// brokerAddr. recorder may be nil to disable capture.
func NewServer(listenAddr, brokerAddr string, limiter *ratelimit.Limiter, sink metrics.Sink, recorder *capture.Recorder, logger *logging.Logger) *Server {
	return &Server{
		listenAddr: listenAddr,
		brokerAddr: brokerAddr,
		limiter:    limiter,
		sink:       sink,
		recorder:   recorder,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run binds the listening socket and enters the accept loop. It returns
// once the listening socket is closed by Stop, or immediately with an
// error if the bind/listen fails.
func (s *Server) Run() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.listenAddr)
	if err != nil {
		s.mu.Lock()
		s.startupErr = err
		s.mu.Unlock()
		return fmt.Errorf("proxy: resolve listen address: %w", err)
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		s.mu.Lock()
		s.startupErr = err
		s.mu.Unlock()
		return fmt.Errorf("proxy: listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.bound = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("proxy listening", logging.String("listen_addr", s.listenAddr), logging.String("broker_addr", s.brokerAddr))
	}

	lastCleanup := time.Now()

	for s.isRunning() {
		ln.SetDeadline(time.Now().Add(acceptWakeup))
		conn, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				if time.Since(lastCleanup) >= cleanupInterval {
					s.limiter.CleanupExpired()
					lastCleanup = time.Now()
					s.refreshGauges()
				}
				continue
			}
			if !s.isRunning() {
				break
			}
			continue
		}

		if s.sink != nil {
			s.sink.IncrementCounter("total_connections")
		}
		go serve(conn, s.brokerAddr, s.limiter, s.sink, s.recorder, s.logger, s.done)
	}

	return nil
}

// Stop clears the running flag, closes the listening socket, and signals
// every in-flight forwarder to terminate at its next 1-second wakeup.
// Stop does not wait for forwarders to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })

	if ln != nil {
		ln.Close()
	}
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ready reports whether the MQTT listener is bound, and any startup error
// encountered while binding it. Implements httpapi.ReadinessProvider.
func (s *Server) Ready() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound, s.startupErr
}

// Uptime reports how long the listener has been bound. Implements
// httpapi.ReadinessProvider.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	if started.IsZero() {
		return 0
	}
	return time.Since(started)
}

// refreshGauges publishes the rate limiter's current bucket counts to the
// metrics sink after each cleanup pass.
func (s *Server) refreshGauges() {
	if s.sink == nil {
		return
	}
	stats := s.limiter.Stats()
	s.sink.SetGauge("rate_limiter_buckets", float64(stats.TotalBuckets))
	s.sink.SetGauge("rate_limiter_blocked_buckets", float64(stats.BlockedBuckets))
}
