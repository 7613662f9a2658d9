package handlers

import (
	"errors"
	"net/http"
	"time"

	"outreach-sync/internal/api"
	"outreach-sync/internal/db"
	"outreach-sync/internal/repository"
	"outreach-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// WebhookHandler handles inbound provider change notifications
type WebhookHandler struct {
	webhooks  *service.WebhookService
	validator *validator.Validate
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhooks:  webhooks,
		validator: validator.New(),
	}
}

// IngestWebhookRequest represents the normalized webhook body providers
// (or per-provider edge translators) post to the engine.
type IngestWebhookRequest struct {
	TenantID        string         `json:"tenant_id" validate:"required,uuid"`
	EventID         string         `json:"event_id" validate:"required"`
	ObjectType      string         `json:"object_type" validate:"required"`
	ObjectID        string         `json:"object_id" validate:"required"`
	ChangeType      string         `json:"change_type" validate:"required,oneof=created updated deleted merged"`
	Payload         map[string]any `json:"payload"`
	PreviousPayload map[string]any `json:"previous_payload,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

// Ingest stores a provider event. Duplicate deliveries are acknowledged
// with 200 so providers stop retrying; new events return 202 and are
// processed asynchronously by the worker pool.
func (h *WebhookHandler) Ingest(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		api.SendValidationError(c, "Provider is required", "")
		return
	}

	var req IngestWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		api.SendValidationError(c, "Invalid webhook event", err.Error())
		return
	}
	tenantID, _ := uuid.Parse(req.TenantID)

	event, duplicate, err := h.webhooks.Ingest(c.Request.Context(), repository.IngestRequest{
		TenantID:        tenantID,
		Provider:        provider,
		ProviderEventID: req.EventID,
		ObjectType:      req.ObjectType,
		ObjectID:        req.ObjectID,
		ChangeType:      repository.ChangeType(req.ChangeType),
		Payload:         req.Payload,
		PreviousPayload: req.PreviousPayload,
		OccurredAt:      req.OccurredAt,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			api.SendValidationError(c, "Invalid webhook event", err.Error())
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}

	if duplicate {
		api.SendSuccess(c, http.StatusOK, gin.H{"duplicate": true}, nil)
		return
	}
	api.SendSuccess(c, http.StatusAccepted, event, nil)
}

// GetEvent retrieves a webhook event by id
func (h *WebhookHandler) GetEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		api.SendValidationError(c, "Invalid event id", err.Error())
		return
	}

	event, err := h.webhooks.GetEvent(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			api.SendNotFound(c, "Webhook event")
			return
		}
		api.SendInternalError(c, err.Error())
		return
	}
	api.SendSuccess(c, http.StatusOK, event, nil)
}
