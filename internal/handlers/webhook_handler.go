package handlers

import (
	"io"
	"net/http"

	"esl-sync-service/internal/services"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds the payload read from a source
const maxWebhookBody = 5 << 20

// WebhookHandler handles inbound source webhooks
type WebhookHandler struct {
	service *services.WebhookService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// Handle serves POST /webhooks/:source/:event
func (h *WebhookHandler) Handle(c *gin.Context) {
	// Signatures are computed over the raw body, so it is read before anything else touches it
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	resp, err := h.service.Process(c.Request.Context(), c.Param("source"), c.Param("event"), c.Request.Header, payload)
	if err != nil {
		respondError(c, err)
		return
	}

	if resp.Handshake != nil {
		c.JSON(http.StatusOK, resp.Handshake)
		return
	}
	c.JSON(http.StatusOK, resp)
}
