package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/praxisapp/praxis/internal/logging"
	"github.com/praxisapp/praxis/internal/validation"
)

// stripeSignatureHeader carries the provider's signature scheme
// (t=<timestamp>,v1=<hmac>).
const stripeSignatureHeader = "Stripe-Signature"

// Handler exposes the webhook intake endpoint.
type Handler struct {
	processor *Processor
}

func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes mounts the intake endpoint on the given router group.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/v1/billing/events/stripe", h.handleWebhook)
}

// handleWebhook receives one provider delivery.
//
// Responses: 400 for unauthenticated deliveries (the provider logs these and
// gives up), 500 for dependency failures (the provider redelivers with
// backoff), 200 with {"received":true} for everything the engine has taken
// responsibility for.
func (h *Handler) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if errors.Is(err, ErrSignatureInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook processing error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"status":   outcome.Status,
	})
}
