package handlers

import (
	"errors"
	"net/http"
	"time"

	"outreach-sync/internal/api"
	"outreach-sync/internal/repository"
	"outreach-sync/internal/service"

	"github.com/gin-gonic/gin"
)

// MetricsHandler serves daily sync metric rollups
type MetricsHandler struct {
	metrics *service.MetricsService
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metrics *service.MetricsService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// metricRow is a SyncMetric with the derived average latency included
type metricRow struct {
	repository.SyncMetric
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// Range returns metric rows for a tenant over a date range. Defaults to the
// last 7 days when from/to are omitted.
func (h *MetricsHandler) Range(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		api.SendValidationError(c, err.Error(), "")
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			api.SendValidationError(c, "Invalid from date, expected YYYY-MM-DD", raw)
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse("2006-01-02", raw); err != nil {
			api.SendValidationError(c, "Invalid to date, expected YYYY-MM-DD", raw)
			return
		}
	}

	metrics, err := h.metrics.Range(c.Request.Context(), tenantID, from, to)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			api.SendValidationError(c, "Invalid metric range", err.Error())
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}

	rows := make([]metricRow, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, metricRow{SyncMetric: m, AvgLatencyMs: m.AvgLatencyMs()})
	}
	api.SendSuccess(c, http.StatusOK, rows, nil)
}
