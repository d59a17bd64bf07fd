package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerSignature = "x-signature"
	headerRequestID = "x-request-id"
	headerTimestamp = "x-timestamp"

	maxWebhookBody = 1 << 20
)

type webhookResponse struct {
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	NotificationID   string `json:"notification_id,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// verificationTimestamp picks the caller-supplied timestamp the signature is
// checked against. The processor sends it in x-request-id; an explicit
// x-timestamp header takes precedence when present.
func verificationTimestamp(c *gin.Context) string {
	if ts := c.GetHeader(headerTimestamp); ts != "" {
		return ts
	}
	return c.GetHeader(headerRequestID)
}

// handleWebhook is the inbound delivery endpoint. The body is read raw
// before any decoding: the signature covers the exact bytes sent.
func (s *Server) handleWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.pipeline.Process(
		c.Request.Context(),
		rawBody,
		c.GetHeader(headerSignature),
		verificationTimestamp(c),
	)
	if err != nil {
		s.log.Warn("webhook delivery not settled",
			zap.String("request_id", c.GetHeader(headerRequestID)),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		Success:          true,
		Status:           result.Status,
		Message:          result.Message,
		NotificationID:   result.NotificationID,
		ProcessingTimeMs: result.Duration.Milliseconds(),
	})
}

// handleWebhookStats exposes the monitor's rolling window for operators and
// uptime checks.
func (s *Server) handleWebhookStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Stats())
}
