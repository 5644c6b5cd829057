// Package httpapi implements the proxy's admin/metrics HTTP surface: a
// small net/http server separate from the MQTT listener, exposing
// liveness, readiness, Prometheus metrics, and a bearer-token-gated
// per-client rate-limit policy endpoint.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/example/throttlebox/internal/logging"
	"github.com/example/throttlebox/internal/metrics"
	"github.com/example/throttlebox/internal/ratelimit"
)

// ReadinessProvider reports whether the MQTT listener is bound.
type ReadinessProvider interface {
	Ready() (bool, error)
	Uptime() time.Duration
}

// RateLimiterAdmin is the subset of the rate limiter the admin surface
// reads and mutates.
type RateLimiterAdmin interface {
	ClientPolicy(clientID string) (ratelimit.Policy, bool)
	SetClientPolicy(clientID string, policy ratelimit.Policy)
}

// PolicyRateLimiter throttles how often POST /admin/policy may be invoked,
// independent of the core's own per-client rate limiting.
type PolicyRateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger            *logging.Logger
	Readiness         ReadinessProvider
	Limiter           RateLimiterAdmin
	MetricsSink       *metrics.PrometheusSink
	AdminToken        string
	TimeSource        func() time.Time
	PolicyRateLimiter PolicyRateLimiter
}

// HandlerSet bundles the proxy's operational HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	limiter     RateLimiterAdmin
	metricsSink *metrics.PrometheusSink
	adminToken  string
	now         func() time.Time
	policyRL    PolicyRateLimiter
}

// NewHandlerSet constructs a HandlerSet from Options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		limiter:     opts.Limiter,
		metricsSink: opts.MetricsSink,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		now:         now,
		policyRL:    opts.PolicyRateLimiter,
	}
}

// Register attaches all handlers to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	if h.metricsSink != nil {
		mux.Handle("/metrics", h.metricsSink.Handler())
	}
	mux.HandleFunc("/admin/policy", h.PolicyHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the MQTT listener is bound.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.readiness == nil {
			writeJSON(w, http.StatusOK, response{Status: "ok"})
			return
		}
		ready, err := h.readiness.Ready()
		uptime := h.readiness.Uptime().Seconds()
		if !ready {
			message := "starting"
			if err != nil {
				message = err.Error()
			}
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: message, UptimeSeconds: uptime})
			return
		}
		writeJSON(w, http.StatusOK, response{Status: "ok", UptimeSeconds: uptime})
	}
}

// PolicyHandler serves GET (read the effective policy for a client) and
// POST (install a per-client policy override) on /admin/policy.
func (h *HandlerSet) PolicyHandler() http.HandlerFunc {
	type policyResponse struct {
		ClientID         string  `json:"client_id"`
		RefillRatePerSec float64 `json:"refill_rate_per_sec"`
		BurstCapacity    int     `json:"burst_capacity"`
		BlockDurationSec float64 `json:"block_duration_sec"`
		Override         bool    `json:"override"`
	}
	type policyRequest struct {
		ClientID         string  `json:"client_id"`
		RefillRatePerSec float64 `json:"refill_rate_per_sec"`
		BurstCapacity    int     `json:"burst_capacity"`
		BlockDurationSec float64 `json:"block_duration_sec"`
	}
	type statusResponse struct {
		Status string `json:"status"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "admin_policy"),
			logging.String("remote_addr", r.RemoteAddr),
		)

		if !h.authorise(r) {
			logger.Warn("admin policy denied: unauthorized request")
			if h.adminToken == "" {
				http.Error(w, "admin authentication not configured", http.StatusForbidden)
			} else {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			}
			return
		}
		if h.limiter == nil {
			http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
			return
		}

		switch r.Method {
		case http.MethodGet:
			clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
			if clientID == "" {
				http.Error(w, "client_id is required", http.StatusBadRequest)
				return
			}
			policy, override := h.limiter.ClientPolicy(clientID)
			writeJSON(w, http.StatusOK, policyResponse{
				ClientID:         clientID,
				RefillRatePerSec: policy.RefillRatePerSec,
				BurstCapacity:    policy.BurstCapacity,
				BlockDurationSec: policy.BlockDuration.Seconds(),
				Override:         override,
			})

		case http.MethodPost:
			if h.policyRL != nil && !h.policyRL.Allow() {
				logger.Warn("admin policy denied: rate limit exceeded")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			var req policyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Warn("admin policy denied: invalid payload", logging.Error(err))
				http.Error(w, "invalid request payload", http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(req.ClientID) == "" {
				http.Error(w, "client_id is required", http.StatusBadRequest)
				return
			}
			if req.RefillRatePerSec <= 0 {
				http.Error(w, "refill_rate_per_sec must be positive", http.StatusBadRequest)
				return
			}
			if req.BurstCapacity <= 0 {
				http.Error(w, "burst_capacity must be positive", http.StatusBadRequest)
				return
			}
			if req.BlockDurationSec < 0 {
				http.Error(w, "block_duration_sec must be non-negative", http.StatusBadRequest)
				return
			}

			policy := ratelimit.Policy{
				RefillRatePerSec: req.RefillRatePerSec,
				BurstCapacity:    req.BurstCapacity,
				BlockDuration:    time.Duration(req.BlockDurationSec * float64(time.Second)),
			}
			h.limiter.SetClientPolicy(req.ClientID, policy)
			logger.Info("client policy installed", logging.String("client_id", req.ClientID))
			writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// authorise checks the Authorization bearer header, X-Admin-Token header,
// or ?token= query parameter, in that order, against the configured admin
// token using a constant-time comparison. An empty admin token always
// denies, regardless of any token presented.
func (h *HandlerSet) authorise(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}

	var token string
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
