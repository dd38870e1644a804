package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeyValidations tracks validation outcomes by result ("valid" or a rejection reason)
	KeyValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_key_validations_total",
		Help: "Total number of license key validations by result",
	}, []string{"result"})

	// KeysGenerated tracks license keys inserted
	KeysGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scripthub_keys_generated_total",
		Help: "Total number of license keys generated",
	})

	// KeysExpired tracks keys moved to the expired state
	KeysExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_keys_expired_total",
		Help: "Total number of license keys transitioned to expired",
	}, []string{"source"})

	// QuotaDeductions tracks maximum deductions by counter and result
	QuotaDeductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_quota_deductions_total",
		Help: "Total number of quota deductions by maximum type and result",
	}, []string{"maximum", "result"})

	// KeyQuotaChecks tracks key ceiling verifications
	KeyQuotaChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_key_quota_checks_total",
		Help: "Total number of key quota verifications by result",
	}, []string{"result"})

	// PlanDowngrades tracks expired plans reverted to free
	PlanDowngrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_plan_downgrades_total",
		Help: "Total number of expired plans downgraded to free",
	}, []string{"from"})

	// MaximumsResets tracks monthly quota resets
	MaximumsResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_maximums_resets_total",
		Help: "Total number of quota window resets by plan",
	}, []string{"plan"})

	// RateLimited tracks requests rejected by the rate limiter
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthub_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"route"})

	// RequestDuration tracks HTTP handler latency
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scripthub_request_duration_seconds",
		Help:    "Histogram of HTTP request processing duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	// DBConnectionsActive tracks open database connections
	DBConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scripthub_db_connections_active",
		Help: "Number of active database connections",
	})
)
