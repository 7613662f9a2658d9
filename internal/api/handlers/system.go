package handlers

import (
	"context"
	"net/http"
	"time"

	"outreach-sync/internal/api"
	"outreach-sync/internal/db"

	"github.com/gin-gonic/gin"
)

// SystemHandler serves health and readiness endpoints
type SystemHandler struct {
	database *db.Database
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(database *db.Database) *SystemHandler {
	return &SystemHandler{database: database}
}

// Health reports liveness plus database reachability
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	dbStatus := "ok"
	code := http.StatusOK
	if err := h.database.HealthCheck(ctx); err != nil {
		status = "degraded"
		dbStatus = err.Error()
		code = http.StatusServiceUnavailable
	}

	api.SendSuccess(c, code, gin.H{
		"status":   status,
		"database": dbStatus,
		"time":     time.Now().UTC(),
	}, nil)
}
