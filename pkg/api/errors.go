package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stepflow-ai/stepflow/pkg/services"
)

// ErrorBody is the wire shape of every surfaced error.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// respondServiceError maps service-layer errors to HTTP error responses.
func respondServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, ErrorBody{
			Code:    "VALIDATION",
			Message: validErr.Error(),
		})
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorBody{
			Code:    "NOT_FOUND",
			Message: "resource not found",
		})
		return
	}
	if errors.Is(err, services.ErrConflictState) {
		c.JSON(http.StatusConflict, ErrorBody{
			Code:    "CONFLICT_STATE",
			Message: "operation conflicts with the current state; refetch and retry",
		})
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, ErrorBody{
			Code:    "ALREADY_EXISTS",
			Message: "resource already exists",
		})
		return
	}
	if errors.Is(err, services.ErrUnavailable) {
		c.JSON(http.StatusServiceUnavailable, ErrorBody{
			Code:      "UNAVAILABLE",
			Message:   "temporarily unavailable, retry later",
			Retryable: true,
		})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, ErrorBody{
			Code:      "TIMEOUT",
			Message:   "operation deadline exceeded",
			Retryable: true,
		})
		return
	}

	// Unexpected error: log the detail, surface only an opaque id.
	errorID := uuid.NewString()
	slog.Error("Unexpected service error", "error_id", errorID, "error", err)
	c.JSON(http.StatusInternalServerError, ErrorBody{
		Code:    "INTERNAL",
		Message: "internal error (id " + errorID + ")",
	})
}

// respondBindError turns a gin binding failure into the wire error shape.
func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorBody{
		Code:    "VALIDATION",
		Message: err.Error(),
	})
}
