package handlers

import (
	"net/http"

	"esl-sync-service/internal/services"
	"github.com/gin-gonic/gin"
)

// OAuthHandler completes source app installations
type OAuthHandler struct {
	tokens *services.TokenService
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(tokens *services.TokenService) *OAuthHandler {
	return &OAuthHandler{tokens: tokens}
}

// Callback serves GET /oauth/:source/callback.
// The ESL store to sync into is passed through as esl_store_code.
func (h *OAuthHandler) Callback(c *gin.Context) {
	source := c.Param("source")
	query := c.Request.URL.Query()

	storeID, err := h.tokens.CallbackStoreID(source, query)
	if err != nil {
		respondError(c, err)
		return
	}

	mapping, err := h.tokens.CompleteAuthorization(c.Request.Context(), source, storeID, query.Get("code"), query.Get("esl_store_code"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": mapping})
}
