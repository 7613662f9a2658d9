package handlers

import (
	"errors"
	"net/http"

	"outreach-sync/internal/api"
	"outreach-sync/internal/db"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ConflictHandler handles conflict review and manual resolution requests
type ConflictHandler struct {
	conflicts *service.ConflictService
	validator *validator.Validate
}

// NewConflictHandler creates a new conflict handler
func NewConflictHandler(conflicts *service.ConflictService) *ConflictHandler {
	return &ConflictHandler{
		conflicts: conflicts,
		validator: validator.New(),
	}
}

// ResolveConflictRequest represents the request body for resolving a conflict
type ResolveConflictRequest struct {
	Winner     string `json:"winner" validate:"required,oneof=local remote"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

// ListOpen lists a tenant's unresolved conflicts, oldest first
func (h *ConflictHandler) ListOpen(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		api.SendValidationError(c, err.Error(), "")
		return
	}

	limit, offset := pagination(c)
	audits, err := h.conflicts.ListOpen(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, audits, &api.Meta{
		Pagination: &api.PaginationMeta{Limit: limit, Offset: offset, Count: len(audits)},
	})
}

// Get retrieves a conflict audit by id
func (h *ConflictHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid conflict id", err.Error())
		return
	}

	audit, err := h.conflicts.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "Conflict")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, audit, nil)
}

// Resolve applies a reviewer's decision to an open conflict
func (h *ConflictHandler) Resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid conflict id", err.Error())
		return
	}

	var req ResolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		api.SendValidationError(c, "Invalid resolution", err.Error())
		return
	}

	audit, err := h.conflicts.Resolve(c.Request.Context(), id, engine.Winner(req.Winner), req.ResolvedBy)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendError(c, http.StatusConflict, api.ErrCodeConflict, "Conflict is not open", "it may already be resolved")
			return
		}
		if errors.Is(err, service.ErrInvalidRequest) {
			api.SendValidationError(c, "Invalid resolution", err.Error())
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, audit, nil)
}
