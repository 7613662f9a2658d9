package handlers

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// tenantFrom resolves the tenant for a request from the X-Tenant-ID header
// or the tenant_id query parameter.
func tenantFrom(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetHeader("X-Tenant-ID")
	if raw == "" {
		raw = c.Query("tenant_id")
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("tenant id is required (X-Tenant-ID header or tenant_id query)")
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tenant id %q", raw)
	}
	return tenantID, nil
}

// pagination parses limit/offset query parameters with bounded defaults
func pagination(c *gin.Context) (limit, offset int32) {
	limit = 50
	offset = 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 32); err == nil && v > 0 && v <= 200 {
			limit = int32(v)
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 32); err == nil && v >= 0 {
			offset = int32(v)
		}
	}
	return limit, offset
}
