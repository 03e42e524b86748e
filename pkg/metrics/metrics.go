package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records login attempts by result (success|failure|mfa_pending).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfold_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// MFAVerifications counts TOTP verifications by outcome (success|failure).
	MFAVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfold_mfa_verifications_total",
			Help: "Total number of MFA code verifications",
		},
		[]string{"result"},
	)

	// RateLimitRejections counts requests rejected by the rate limiter per route.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfold_ratelimit_rejections_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"route"},
	)

	// PasswordResets counts reset token issuance and consumption.
	PasswordResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfold_password_resets_total",
			Help: "Total number of password reset operations",
		},
		[]string{"stage"},
	)

	// ActiveSessions tracks sessions that are neither expired nor swept.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyfold_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyfold_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
