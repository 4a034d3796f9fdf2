package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

var (
	auditRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_records",
		Help: "Audit log records by anchoring status.",
	}, []string{"status"})

	auditRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	auditRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditAnchorAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_anchor_attempts_total",
		Help: "Ledger submissions by outcome.",
	}, []string{"outcome"})

	auditVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_verifications_total",
		Help: "Verification verdicts by result.",
	}, []string{"result"})

	auditHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_health_checks_total",
		Help: "Total health check probes by component and result.",
	}, []string{"component", "result"})

	auditAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_alerts_total",
		Help: "Total alert webhook deliveries by success status.",
	}, []string{"status"})

	auditLedgerSubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_ledger_submit_duration_seconds",
		Help:    "Ledger submit latency in seconds by result.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		auditRequestsTotal.WithLabelValues(method, path, status).Inc()
		auditRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetRecordsGauge publishes record counts per status.
func SetRecordsGauge(counts map[model.Status]int) {
	for status, n := range counts {
		auditRecords.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RecordAnchorOutcome counts one processed record.
func RecordAnchorOutcome(outcome string) {
	auditAnchorAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordVerification counts one verdict. Valid verdicts are labelled "valid",
// invalid ones by their reason.
func RecordVerification(res *model.VerificationResult) {
	result := "valid"
	if !res.IsValid {
		result = string(res.Reason)
	}
	auditVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(component string, success bool) {
	auditHealthChecksTotal.WithLabelValues(component, successLabel(success)).Inc()
}

// RecordAlertDelivery records an alert webhook delivery attempt.
func RecordAlertDelivery(success bool) {
	auditAlertsTotal.WithLabelValues(successLabel(success)).Inc()
}

func successLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// timedLedger observes Submit latency.
type timedLedger struct {
	ledger.Ledger
}

// InstrumentLedger wraps l so every Submit is observed in
// audit_ledger_submit_duration_seconds.
func InstrumentLedger(l ledger.Ledger) ledger.Ledger {
	return timedLedger{Ledger: l}
}

func (t timedLedger) Submit(ctx context.Context, key, digest string) (string, error) {
	start := time.Now()
	txRef, err := t.Ledger.Submit(ctx, key, digest)

	result := "ok"
	switch {
	case err == nil:
	case ledger.IsRejected(err):
		result = "rejected"
	default:
		result = "error"
	}
	auditLedgerSubmitDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return txRef, err
}
