package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/banking-audit-ledger/anchor/internal/health"
)

// HealthHandler serves GET /healthz from the component checker. A degraded
// component turns the response into 503.
func HealthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := checker.Snapshot()
		code := http.StatusOK
		if report.Status == health.StatusDegraded {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}
