package handlers

import (
	"errors"
	"net/http"

	"outreach-sync/internal/api"
	"outreach-sync/internal/db"
	"outreach-sync/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// FieldMappingHandler manages per-tenant field mapping configuration
type FieldMappingHandler struct {
	fields    *repository.FieldMappingRepository
	validator *validator.Validate
}

// NewFieldMappingHandler creates a new field mapping handler
func NewFieldMappingHandler(fields *repository.FieldMappingRepository) *FieldMappingHandler {
	return &FieldMappingHandler{
		fields:    fields,
		validator: validator.New(),
	}
}

// UpsertFieldMappingRequest represents the request body for a field mapping
type UpsertFieldMappingRequest struct {
	TenantID     string  `json:"tenant_id" validate:"required,uuid"`
	ObjectType   string  `json:"object_type" validate:"required"`
	LocalField   string  `json:"local_field" validate:"required"`
	RemoteField  string  `json:"remote_field" validate:"required"`
	Direction    string  `json:"direction" validate:"omitempty,oneof=outbound inbound bidirectional"`
	Required     bool    `json:"required"`
	Transform    *string `json:"transform,omitempty"`
	SyncPriority int32   `json:"sync_priority"`
}

// Upsert creates or replaces the mapping for (tenant, object type, local field)
func (h *FieldMappingHandler) Upsert(c *gin.Context) {
	var req UpsertFieldMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		api.SendValidationError(c, "Invalid field mapping", err.Error())
		return
	}
	tenantID, _ := uuid.Parse(req.TenantID)

	mapping, err := h.fields.Upsert(c.Request.Context(), repository.UpsertFieldMappingRequest{
		TenantID:     tenantID,
		ObjectType:   req.ObjectType,
		LocalField:   req.LocalField,
		RemoteField:  req.RemoteField,
		Direction:    repository.FieldDirection(req.Direction),
		Required:     req.Required,
		Transform:    req.Transform,
		SyncPriority: req.SyncPriority,
	})
	if err != nil {
		if errors.Is(err, repository.ErrFieldAlreadyMapped) {
			api.SendError(c, http.StatusConflict, api.ErrCodeConflict, "Remote field is already mapped", err.Error())
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, mapping, nil)
}

// List retrieves field mappings for a tenant and object type
func (h *FieldMappingHandler) List(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		api.SendValidationError(c, err.Error(), "")
		return
	}
	objectType := c.Query("object_type")
	if objectType == "" {
		api.SendValidationError(c, "object_type query parameter is required", "")
		return
	}

	mappings, err := h.fields.ListByObjectType(c.Request.Context(), tenantID, objectType)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, mappings, nil)
}

// Delete removes a field mapping
func (h *FieldMappingHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid field mapping id", err.Error())
		return
	}

	if err := h.fields.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "Field mapping")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, gin.H{"deleted": true}, nil)
}
