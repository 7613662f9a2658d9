package handlers

import (
	"errors"
	"net/http"

	"outreach-sync/internal/api"
	"outreach-sync/internal/db"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/repository"
	"outreach-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SyncHandler handles sync queue and entity status requests
type SyncHandler struct {
	sync      *service.SyncService
	adapters  *engine.AdapterRegistry
	validator *validator.Validate
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(syncSvc *service.SyncService, adapters *engine.AdapterRegistry) *SyncHandler {
	return &SyncHandler{
		sync:      syncSvc,
		adapters:  adapters,
		validator: validator.New(),
	}
}

// EnqueueSyncRequest represents the request body for enqueueing a sync
type EnqueueSyncRequest struct {
	TenantID   string         `json:"tenant_id" validate:"required,uuid"`
	EntityType string         `json:"entity_type" validate:"required"`
	Operation  string         `json:"operation" validate:"required,oneof=create update delete upsert"`
	LocalID    string         `json:"local_id" validate:"required,uuid"`
	Payload    map[string]any `json:"payload"`
	Priority   int32          `json:"priority" validate:"omitempty,min=1,max=10"`
}

// Enqueue requests an outbound sync for a local entity
func (h *SyncHandler) Enqueue(c *gin.Context) {
	var req EnqueueSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		api.SendValidationError(c, "Invalid sync request", err.Error())
		return
	}
	tenantID, _ := uuid.Parse(req.TenantID)
	localID, _ := uuid.Parse(req.LocalID)

	item, err := h.sync.EnqueueSync(c.Request.Context(), service.EnqueueSyncRequest{
		TenantID:   tenantID,
		EntityType: req.EntityType,
		Operation:  repository.Operation(req.Operation),
		LocalID:    localID,
		Payload:    req.Payload,
		Priority:   req.Priority,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			api.SendValidationError(c, "Invalid sync request", err.Error())
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusAccepted, item, nil)
}

// GetItem retrieves a queue item by id
func (h *SyncHandler) GetItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid queue item id", err.Error())
		return
	}

	item, err := h.sync.GetItem(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "Queue item")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, item, nil)
}

// CancelItem cancels a pending queue item
func (h *SyncHandler) CancelItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid queue item id", err.Error())
		return
	}

	item, err := h.sync.CancelItem(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendError(c, http.StatusConflict, api.ErrCodeConflict, "Item is not pending", "only pending items can be cancelled")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, item, nil)
}

// ListItems lists a tenant's queue items by status
func (h *SyncHandler) ListItems(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		api.SendValidationError(c, err.Error(), "")
		return
	}

	status := repository.QueueStatus(c.DefaultQuery("status", string(repository.QueueStatusPending)))
	switch status {
	case repository.QueueStatusPending, repository.QueueStatusProcessing,
		repository.QueueStatusCompleted, repository.QueueStatusFailed, repository.QueueStatusCancelled:
	default:
		api.SendValidationError(c, "Invalid status filter", string(status))
		return
	}

	limit, offset := pagination(c)
	items, err := h.sync.ListItems(c.Request.Context(), tenantID, status, limit, offset)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, items, &api.Meta{
		Pagination: &api.PaginationMeta{Limit: limit, Offset: offset, Count: len(items)},
	})
}

// EntityStatus returns the sync state of a local entity via its mapping
func (h *SyncHandler) EntityStatus(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		api.SendValidationError(c, err.Error(), "")
		return
	}
	entityType := c.Param("type")
	localID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid entity id", err.Error())
		return
	}

	mapping, err := h.sync.EntityStatus(c.Request.Context(), tenantID, entityType, localID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "Entity mapping")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, mapping, nil)
}

// ListAdapters returns the configurations of all registered CRM adapters
func (h *SyncHandler) ListAdapters(c *gin.Context) {
	api.SendSuccess(c, http.StatusOK, h.adapters.List(), nil)
}
