package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/internal/service"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/response"
)

// ClassHandler exposes the class catalog plus admin management.
type ClassHandler struct {
	service *service.ClassService
}

// NewClassHandler constructs a class handler.
func NewClassHandler(service *service.ClassService) *ClassHandler {
	return &ClassHandler{service: service}
}

// List godoc
// @Summary List class offerings
// @Tags Classes
// @Produce json
// @Param subject query string false "Subject filter"
// @Param year_level query int false "Year level filter"
// @Param status query string false "Status filter, defaults to active; pass all to disable"
// @Param search query string false "Search term"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /classes [get]
func (h *ClassHandler) List(c *gin.Context) {
	status := strings.TrimSpace(c.Query("status"))
	switch status {
	case "":
		status = string(models.ClassStatusActive)
	case "all":
		status = ""
	}
	filter := models.ClassFilter{
		Subject:   strings.TrimSpace(c.Query("subject")),
		YearLevel: queryInt(c, "year_level", 0),
		Status:    models.ClassStatus(status),
		Search:    strings.TrimSpace(c.Query("search")),
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 20),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	result, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result.Classes, &result.Pagination)
}

// Get godoc
// @Summary Class details
// @Tags Classes
// @Produce json
// @Param id path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /classes/{id} [get]
func (h *ClassHandler) Get(c *gin.Context) {
	class, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, class, nil)
}

// Create godoc
// @Summary Create a class offering
// @Tags Classes
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param payload body service.ClassCreateRequest true "Class payload"
// @Success 201 {object} response.Envelope
// @Router /admin/classes [post]
func (h *ClassHandler) Create(c *gin.Context) {
	var req service.ClassCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid class payload"))
		return
	}
	class, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, class)
}

// Update godoc
// @Summary Update a class offering
// @Tags Classes
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "Class ID"
// @Param payload body service.ClassUpdateRequest true "Class payload"
// @Success 200 {object} response.Envelope
// @Router /admin/classes/{id} [put]
func (h *ClassHandler) Update(c *gin.Context) {
	var req service.ClassUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid class payload"))
		return
	}
	class, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, class, nil)
}

// Archive godoc
// @Summary Archive a class offering
// @Tags Classes
// @Security BearerAuth
// @Produce json
// @Param id path string true "Class ID"
// @Success 204
// @Router /admin/classes/{id} [delete]
func (h *ClassHandler) Archive(c *gin.Context) {
	if err := h.service.Archive(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
