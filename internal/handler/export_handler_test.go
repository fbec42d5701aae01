package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nextstep-learning/tutoring-api/internal/middleware"
	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/internal/service"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

type exportJobServiceMock struct {
	createResp  *service.ExportJobResponse
	createErr   error
	statusResp  *service.ExportStatusResponse
	statusErr   error
	download    *service.ExportDownload
	downloadErr error
}

func (m *exportJobServiceMock) CreateJob(ctx context.Context, req service.ExportRequest, actorID string) (*service.ExportJobResponse, error) {
	return m.createResp, m.createErr
}

func (m *exportJobServiceMock) GetStatus(ctx context.Context, id string) (*service.ExportStatusResponse, error) {
	return m.statusResp, m.statusErr
}

func (m *exportJobServiceMock) ResolveDownload(ctx context.Context, token string) (*service.ExportDownload, error) {
	return m.download, m.downloadErr
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}

func TestExportHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &exportJobServiceMock{
		createResp: &service.ExportJobResponse{ID: "job-1", Status: models.ExportStatusQueued},
	}
	handler := NewExportHandler(mockSvc)

	payload, _ := json.Marshal(service.ExportRequest{Type: models.ExportTypeStudents, Format: models.ExportFormatCSV})
	c, w := newGinContext(http.MethodPost, "/admin/exports", payload)
	c.Set(middleware.ContextUserKey, adminClaims())

	handler.Create(c)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestExportHandlerCreateInvalidType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &exportJobServiceMock{
		createErr: appErrors.Clone(appErrors.ErrValidation, "unsupported export type"),
	}
	handler := NewExportHandler(mockSvc)

	payload, _ := json.Marshal(service.ExportRequest{Type: "grades", Format: models.ExportFormatCSV})
	c, w := newGinContext(http.MethodPost, "/admin/exports", payload)
	c.Set(middleware.ContextUserKey, adminClaims())

	handler.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportHandlerStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	url := "/api/v1/exports/download/token"
	mockSvc := &exportJobServiceMock{
		statusResp: &service.ExportStatusResponse{ID: "job-1", Status: models.ExportStatusFinished, ResultURL: &url},
	}
	handler := NewExportHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/admin/exports/job-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}
	c.Set(middleware.ContextUserKey, adminClaims())

	handler.Status(c)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestExportHandlerDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	file, err := os.CreateTemp("", "export*.csv")
	require.NoError(t, err)
	defer os.Remove(file.Name())
	_, _ = file.WriteString("entrance_number,student\n")
	_, _ = file.Seek(0, 0)

	mockSvc := &exportJobServiceMock{
		download: &service.ExportDownload{
			File:      file,
			Filename:  "students_20260830.csv",
			Format:    models.ExportFormatCSV,
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	handler := NewExportHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/exports/download/token", nil)
	c.Params = gin.Params{{Key: "token", Value: "token"}}
	c.Set(middleware.ContextUserKey, adminClaims())

	handler.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Disposition"), "students_20260830.csv")
	require.Contains(t, w.Body.String(), "entrance_number")
}

func TestExportHandlerDownloadExpired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &exportJobServiceMock{
		downloadErr: appErrors.Clone(appErrors.ErrNotFound, "download link expired"),
	}
	handler := NewExportHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/exports/download/stale", nil)
	c.Params = gin.Params{{Key: "token", Value: "stale"}}
	c.Set(middleware.ContextUserKey, adminClaims())

	handler.Download(c)
	require.Equal(t, http.StatusNotFound, w.Code)
}
