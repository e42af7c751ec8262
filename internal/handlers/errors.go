package handlers

import (
	"errors"
	"net/http"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/repository"
	"esl-sync-service/internal/services"
	"github.com/gin-gonic/gin"
)

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var validation *clients.ValidationError
	switch {
	case errors.Is(err, clients.ErrUnknownSource), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrWebhookUnauthorized), clients.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrPollInProgress):
		return http.StatusConflict
	case errors.As(err, &validation),
		errors.Is(err, services.ErrInvalidSchedule),
		errors.Is(err, services.ErrPollingNotSupported),
		errors.Is(err, services.ErrAuthorizationNotSupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
