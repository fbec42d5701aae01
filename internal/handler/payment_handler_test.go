package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nextstep-learning/tutoring-api/internal/middleware"
	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/internal/service"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

type paymentServiceMock struct {
	intentResp  *service.CreateIntentResponse
	intentErr   error
	webhookResp *service.ConfirmPaymentResult
	webhookErr  error

	gotPayload   []byte
	gotSignature string
}

func (m *paymentServiceMock) CreateIntent(ctx context.Context, userID string, req service.CreateIntentRequest) (*service.CreateIntentResponse, error) {
	return m.intentResp, m.intentErr
}

func (m *paymentServiceMock) HandleWebhook(ctx context.Context, payload []byte, signature string) (*service.ConfirmPaymentResult, error) {
	m.gotPayload = payload
	m.gotSignature = signature
	return m.webhookResp, m.webhookErr
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestPaymentHandlerCreateIntent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &paymentServiceMock{
		intentResp: &service.CreateIntentResponse{IntentID: "pi_1", ClientSecret: "secret", Amount: 98, Currency: "usd"},
	}
	handler := NewPaymentHandler(mockSvc, nil)

	payload, _ := json.Marshal(service.CreateIntentRequest{EnrollmentID: "enr-1", Amount: 98})
	c, w := newGinContext(http.MethodPost, "/payments/intent", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", Role: models.RoleStudent})

	handler.CreateIntent(c)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestPaymentHandlerCreateIntentRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewPaymentHandler(&paymentServiceMock{}, nil)

	c, w := newGinContext(http.MethodPost, "/payments/intent", []byte(`{}`))
	handler.CreateIntent(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPaymentHandlerWebhookForwardsRawBodyAndSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &paymentServiceMock{
		webhookResp: &service.ConfirmPaymentResult{EnrollmentID: "enr-1", EntranceNumber: "Y8-ABC123"},
	}
	handler := NewPaymentHandler(mockSvc, nil)

	body := []byte(`{"type":"payment_intent.succeeded"}`)
	c, w := newGinContext(http.MethodPost, "/payments/webhook", body)
	c.Request.Header.Set("Stripe-Signature", "t=1,v1=abc")

	handler.Webhook(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, body, mockSvc.gotPayload)
	require.Equal(t, "t=1,v1=abc", mockSvc.gotSignature)
}

func TestPaymentHandlerWebhookBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &paymentServiceMock{
		webhookErr: appErrors.Clone(appErrors.ErrBadSignature, "webhook signature verification failed"),
	}
	handler := NewPaymentHandler(mockSvc, nil)

	c, w := newGinContext(http.MethodPost, "/payments/webhook", []byte(`{}`))
	handler.Webhook(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentHandlerWebhookIgnoredEvent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewPaymentHandler(&paymentServiceMock{}, nil)

	c, w := newGinContext(http.MethodPost, "/payments/webhook", []byte(`{"type":"payment_intent.created"}`))
	handler.Webhook(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Equal(t, true, envelope.Data["received"])
}
