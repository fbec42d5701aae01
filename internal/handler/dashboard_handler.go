package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/pkg/response"
)

type dashboardService interface {
	AdminStats(ctx context.Context) (*models.AdminStats, error)
}

// DashboardHandler exposes admin aggregates.
type DashboardHandler struct {
	service dashboardService
}

// NewDashboardHandler constructs a dashboard handler.
func NewDashboardHandler(svc dashboardService) *DashboardHandler {
	return &DashboardHandler{service: svc}
}

// Stats godoc
// @Summary Admin dashboard statistics
// @Tags Dashboard
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/dashboard [get]
func (h *DashboardHandler) Stats(c *gin.Context) {
	stats, err := h.service.AdminStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}
