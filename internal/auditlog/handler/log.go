// Package handler exposes the audit log service over HTTP with gin.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/service"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

// LogHandler handles ingestion, listing and verification requests.
type LogHandler struct {
	logs     *service.LogService
	verifier *service.Verifier
	logger   *zap.Logger
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(logs *service.LogService, verifier *service.Verifier, logger *zap.Logger) *LogHandler {
	return &LogHandler{logs: logs, verifier: verifier, logger: logger}
}

// Register registers the log and verification routes on rg.
func (h *LogHandler) Register(rg *gin.RouterGroup) {
	logs := rg.Group("/logs")
	{
		logs.POST("", h.CreateLog)
		logs.GET("", h.ListLogs)
		logs.GET("/:id", h.GetLog)
	}
	rg.GET("/verify/:id", h.VerifyLog)
	rg.POST("/verify/:id", h.VerifyLogWithDigest)
}

// CreateLog handles POST /logs. The record is returned in pending state;
// anchoring happens in the background.
func (h *LogHandler) CreateLog(c *gin.Context) {
	var req model.CreateLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.logs.CreateLog(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "create log", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListLogs handles GET /logs?page=&page_size=&source=&event_type=&as_of=.
// Pass the returned as_of back on later pages to page through a stable
// snapshot.
func (h *LogHandler) ListLogs(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be an integer", "field": "page"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(service.DefaultPageSize)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page_size must be an integer", "field": "page_size"})
		return
	}

	filter := model.ListFilter{
		Source:    strings.TrimSpace(c.Query("source")),
		EventType: strings.TrimSpace(c.Query("event_type")),
	}
	if raw := c.Query("as_of"); raw != "" {
		asOf, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be an RFC 3339 timestamp", "field": "as_of"})
			return
		}
		filter.AsOf = asOf
	}

	res, err := h.logs.ListLogs(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		h.writeError(c, "list logs", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetLog handles GET /logs/:id.
func (h *LogHandler) GetLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.logs.GetLog(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get log", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// VerifyLog handles GET /verify/:id. A record that is not anchored yet
// yields 200 with is_valid=false.
func (h *LogHandler) VerifyLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.verifier.Verify(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "verify log", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyLogWithDigest handles POST /verify/:id with {"digest": "..."}.
func (h *LogHandler) VerifyLogWithDigest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req model.VerifyDigestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.verifier.VerifyWithDigest(c.Request.Context(), id, req.Digest)
	if err != nil {
		h.writeError(c, "verify log", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid log ID"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps service errors onto HTTP statuses.
func (h *LogHandler) writeError(c *gin.Context, op string, err error) {
	var valErr *model.ErrValidation
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error(), "field": valErr.Field})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "log not found"})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		h.logger.Warn(op+": ledger unavailable", zap.Error(err))
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
	case errors.Is(err, model.ErrIntegrity):
		h.logger.Error(op+": integrity violation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity violation"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
