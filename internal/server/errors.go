package server

import (
	"errors"
	"net/http"

	idempotencydomain "github.com/chowline/recon/internal/idempotency/domain"
	pipelinedomain "github.com/chowline/recon/internal/pipeline/domain"
	"github.com/chowline/recon/internal/processor"
	reconciledomain "github.com/chowline/recon/internal/reconcile/domain"
	"github.com/chowline/recon/internal/signature"
	"github.com/gin-gonic/gin"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware converts errors attached to the gin context into a
// single structured response after the handler chain finishes.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError classifies pipeline errors for the processor's retry logic: 4xx
// tells it to stop redelivering, 5xx invites a retry.
func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, signature.ErrSignatureInvalid),
		errors.Is(err, signature.ErrMissingSecret):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "signature verification failed",
		}
	case errors.Is(err, signature.ErrMalformedSignature),
		errors.Is(err, signature.ErrTimestampMismatch),
		errors.Is(err, signature.ErrTooOld),
		errors.Is(err, signature.ErrTooFarFuture):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, pipelinedomain.ErrRejected):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, processor.ErrUnauthorized):
		return http.StatusBadGateway, errorPayload{
			Type:    "processor_error",
			Message: "processor credential rejected",
		}
	case errors.Is(err, processor.ErrProcessorUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "processor api unavailable",
		}
	case errors.Is(err, idempotencydomain.ErrLockTimeout):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "operation in progress, retry later",
		}
	case errors.Is(err, reconciledomain.ErrStaleUpdate):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "entity changed concurrently, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
