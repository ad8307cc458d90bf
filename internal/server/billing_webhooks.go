package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const defaultBodyLimit int64 = 1 << 20

// HandleBillingWebhook acknowledges every accepted delivery with 200, including ones that
// resolve to no merchant, so the provider stops retrying.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.bodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	outcome, err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("webhook_outcome", string(outcome))
	c.JSON(http.StatusOK, gin.H{"received": true, "status": string(outcome)})
}
