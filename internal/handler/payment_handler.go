package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nextstep-learning/tutoring-api/internal/service"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/response"
)

type paymentService interface {
	CreateIntent(ctx context.Context, userID string, req service.CreateIntentRequest) (*service.CreateIntentResponse, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*service.ConfirmPaymentResult, error)
}

// PaymentHandler exposes payment intent creation and the provider webhook.
type PaymentHandler struct {
	service paymentService
	metrics *service.MetricsService
}

// NewPaymentHandler constructs a payment handler.
func NewPaymentHandler(svc paymentService, metrics *service.MetricsService) *PaymentHandler {
	return &PaymentHandler{service: svc, metrics: metrics}
}

// CreateIntent godoc
// @Summary Create a payment intent for an enrollment
// @Tags Payments
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param payload body service.CreateIntentRequest true "Intent payload"
// @Success 201 {object} response.Envelope
// @Router /payments/intent [post]
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid intent payload"))
		return
	}
	res, err := h.service.CreateIntent(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// Webhook godoc
// @Summary Payment provider webhook
// @Description Unsigned or tampered deliveries are rejected outright. The
// @Description provider retries on non-2xx, so processing errors return 500.
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /payments/webhook [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable webhook body"))
		return
	}
	signature := c.GetHeader("Stripe-Signature")

	result, err := h.service.HandleWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		if appErrors.FromError(err).Code == appErrors.ErrBadSignature.Code {
			h.metrics.RecordWebhookEvent("bad_signature")
		} else {
			h.metrics.RecordWebhookEvent("error")
		}
		response.Error(c, err)
		return
	}
	if result == nil {
		h.metrics.RecordWebhookEvent("ignored")
		response.JSON(c, http.StatusOK, gin.H{"received": true}, nil)
		return
	}
	if result.AlreadyActive {
		h.metrics.RecordWebhookEvent("duplicate")
	} else {
		h.metrics.RecordWebhookEvent("activated")
		h.metrics.RecordActivation()
	}
	response.JSON(c, http.StatusOK, gin.H{"received": true}, nil)
}
