package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/internal/service"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/response"
)

type enrollmentService interface {
	Initiate(ctx context.Context, userID string, req service.InitiateEnrollmentRequest) (*service.InitiateEnrollmentResult, error)
	List(ctx context.Context, filter models.EnrollmentFilter) (*service.EnrollmentListResult, error)
	ListMine(ctx context.Context, userID string, filter models.EnrollmentFilter) (*service.EnrollmentListResult, error)
	EntrancePass(ctx context.Context, userID, enrollmentID string) ([]byte, error)
	Receipt(ctx context.Context, userID, enrollmentID string) ([]byte, error)
}

type clientConfirmer interface {
	ConfirmByClient(ctx context.Context, userID, enrollmentID string) (*service.ConfirmPaymentResult, error)
}

// EnrollmentHandler exposes the enrollment workflow.
type EnrollmentHandler struct {
	enrollments enrollmentService
	payments    clientConfirmer
}

// NewEnrollmentHandler constructs an enrollment handler.
func NewEnrollmentHandler(enrollments enrollmentService, payments clientConfirmer) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, payments: payments}
}

// Initiate godoc
// @Summary Start an enrollment
// @Tags Enrollments
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param payload body service.InitiateEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Initiate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.InitiateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid enrollment payload"))
		return
	}
	req.Email = claims.Email
	result, err := h.enrollments.Initiate(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSONWithWarnings(c, http.StatusCreated, result, result.Warnings)
}

// ListMine godoc
// @Summary Current user's enrollments
// @Tags Enrollments
// @Security BearerAuth
// @Produce json
// @Param payment_status query string false "Payment status filter"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) ListMine(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := models.EnrollmentFilter{
		PaymentStatus: models.PaymentStatus(strings.TrimSpace(c.Query("payment_status"))),
		Page:          queryInt(c, "page", 1),
		PageSize:      queryInt(c, "page_size", 20),
		SortBy:        c.Query("sort_by"),
		SortOrder:     c.Query("sort_order"),
	}
	result, err := h.enrollments.ListMine(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result.Enrollments, &result.Pagination)
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Security BearerAuth
// @Produce json
// @Param student_id query string false "Student filter"
// @Param class_id query string false "Class filter"
// @Param payment_status query string false "Payment status filter"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	filter := models.EnrollmentFilter{
		StudentID:     strings.TrimSpace(c.Query("student_id")),
		ClassID:       strings.TrimSpace(c.Query("class_id")),
		PaymentStatus: models.PaymentStatus(strings.TrimSpace(c.Query("payment_status"))),
		Page:          queryInt(c, "page", 1),
		PageSize:      queryInt(c, "page_size", 20),
		SortBy:        c.Query("sort_by"),
		SortOrder:     c.Query("sort_order"),
	}
	result, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result.Enrollments, &result.Pagination)
}

// Confirm godoc
// @Summary Confirm payment from the client
// @Description Fast path after checkout. The payment provider is re-checked
// @Description before activation; the webhook remains the authoritative
// @Description confirmation path.
// @Tags Enrollments
// @Security BearerAuth
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/confirm [post]
func (h *EnrollmentHandler) Confirm(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.payments.ConfirmByClient(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSONWithWarnings(c, http.StatusOK, result, result.Warnings)
}

// EntrancePass godoc
// @Summary Entrance pass QR code
// @Tags Enrollments
// @Security BearerAuth
// @Produce png
// @Param id path string true "Enrollment ID"
// @Success 200 {file} file
// @Router /enrollments/{id}/pass [get]
func (h *EnrollmentHandler) EntrancePass(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	png, err := h.enrollments.EntrancePass(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", "entrance-pass.png"))
	c.Data(http.StatusOK, "image/png", png)
}

// Receipt godoc
// @Summary Payment receipt PDF
// @Tags Enrollments
// @Security BearerAuth
// @Produce application/pdf
// @Param id path string true "Enrollment ID"
// @Success 200 {file} file
// @Router /enrollments/{id}/receipt [get]
func (h *EnrollmentHandler) Receipt(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	pdf, err := h.enrollments.Receipt(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "receipt.pdf"))
	c.Data(http.StatusOK, "application/pdf", pdf)
}
