package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/internal/repository"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/export"
	"github.com/nextstep-learning/tutoring-api/pkg/jobs"
	"github.com/nextstep-learning/tutoring-api/pkg/storage"
)

type mockExportStore struct {
	jobs      map[string]*models.ExportJob
	createErr error
	updates   []repository.UpdateExportJobParams
}

func newMockExportStore() *mockExportStore {
	return &mockExportStore{jobs: map[string]*models.ExportJob{}}
}

func (m *mockExportStore) Create(ctx context.Context, job *models.ExportJob) error {
	if m.createErr != nil {
		return m.createErr
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *mockExportStore) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (m *mockExportStore) Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error {
	job, ok := m.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	m.updates = append(m.updates, params)
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.ResultURL != nil {
		url := *params.ResultURL
		job.ResultURL = &url
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		job.ErrorMessage = &msg
	}
	if params.FinishedAt != nil {
		at := *params.FinishedAt
		job.FinishedAt = &at
	}
	return nil
}

func (m *mockExportStore) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	var out []models.ExportJob
	for _, job := range m.jobs {
		if job.Status == models.ExportStatusQueued {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *mockExportStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error) {
	return nil, nil
}

type mockDispatcher struct {
	enqueued []jobs.Job
	err      error
}

func (m *mockDispatcher) Enqueue(job jobs.Job) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, job)
	return nil
}

type mockStudentSource struct {
	students []models.StudentDetail
	err      error
}

func (m *mockStudentSource) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	if m.err != nil {
		return nil, 0, m.err
	}
	if filter.Page > 1 {
		return nil, len(m.students), nil
	}
	return m.students, len(m.students), nil
}

type mockEnrollmentSource struct {
	enrollments []models.EnrollmentDetail
}

func (m *mockEnrollmentSource) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	if filter.Page > 1 {
		return nil, len(m.enrollments), nil
	}
	return m.enrollments, len(m.enrollments), nil
}

func newTestExportService(t *testing.T, students *mockStudentSource, enrollments *mockEnrollmentSource) *ExportService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	return NewExportService(students, enrollments, store, signer, ExportConfig{
		APIPrefix: "/api/v1",
		ResultTTL: time.Hour,
	}, nil, export.NewCSVExporter(), export.NewPDFExporter())
}

func TestExportJobServiceCreateJobValidation(t *testing.T) {
	svc := NewExportJobService(newMockExportStore(), &mockDispatcher{}, nil, nil, ExportJobServiceConfig{})

	_, err := svc.CreateJob(context.Background(), ExportRequest{Type: "grades", Format: models.ExportFormatCSV}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.CreateJob(context.Background(), ExportRequest{Type: models.ExportTypeStudents, Format: "xlsx"}, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportJobServiceCreateJobEnqueues(t *testing.T) {
	store := newMockExportStore()
	dispatcher := &mockDispatcher{}
	svc := NewExportJobService(store, dispatcher, nil, nil, ExportJobServiceConfig{})

	resp, err := svc.CreateJob(context.Background(), ExportRequest{Type: models.ExportTypeStudents, Format: models.ExportFormatCSV}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, resp.Status)
	require.Len(t, dispatcher.enqueued, 1)
	assert.Equal(t, resp.ID, dispatcher.enqueued[0].ID)

	stored, err := store.GetByID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", stored.CreatedBy)
}

func TestExportJobServiceCreateJobEnqueueFailureMarksFailed(t *testing.T) {
	store := newMockExportStore()
	dispatcher := &mockDispatcher{err: errors.New("queue full")}
	svc := NewExportJobService(store, dispatcher, nil, nil, ExportJobServiceConfig{})

	_, err := svc.CreateJob(context.Background(), ExportRequest{Type: models.ExportTypeStudents, Format: models.ExportFormatCSV}, "admin-1")
	require.Error(t, err)
	require.Len(t, store.jobs, 1)
	for _, job := range store.jobs {
		assert.Equal(t, models.ExportStatusFailed, job.Status)
		require.NotNil(t, job.ErrorMessage)
	}
}

func TestExportJobServiceGetStatusNotFound(t *testing.T) {
	svc := NewExportJobService(newMockExportStore(), &mockDispatcher{}, nil, nil, ExportJobServiceConfig{})

	_, err := svc.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportWorkerProcessesStudentExport(t *testing.T) {
	students := &mockStudentSource{students: []models.StudentDetail{
		{
			Student:  models.Student{ID: "stu-1", School: "Hillside", Status: models.StudentStatusActive, CreatedAt: time.Now()},
			FullName: "Ada Lovelace",
			Email:    "ada@example.com",
		},
	}}
	exporter := newTestExportService(t, students, &mockEnrollmentSource{})

	store := newMockExportStore()
	job := &models.ExportJob{
		Type:   models.ExportTypeStudents,
		Params: models.ExportJobParams{Format: models.ExportFormatCSV},
		Status: models.ExportStatusQueued,
	}
	require.NoError(t, store.Create(context.Background(), job))

	worker := NewExportWorker(store, exporter, 3, nil)
	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Attempt: 1}))

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFinished, stored.Status)
	require.NotNil(t, stored.ResultURL)
	assert.Contains(t, *stored.ResultURL, "/api/v1/exports/download/")
}

func TestExportWorkerRequeuesUntilMaxRetries(t *testing.T) {
	students := &mockStudentSource{err: errors.New("db down")}
	exporter := newTestExportService(t, students, &mockEnrollmentSource{})

	store := newMockExportStore()
	job := &models.ExportJob{
		Type:   models.ExportTypeStudents,
		Params: models.ExportJobParams{Format: models.ExportFormatCSV},
		Status: models.ExportStatusQueued,
	}
	require.NoError(t, store.Create(context.Background(), job))

	worker := NewExportWorker(store, exporter, 3, nil)

	require.Error(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Attempt: 1}))
	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, stored.Status)

	require.Error(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Attempt: 3}))
	stored, err = store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFailed, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestExportJobServiceResolveDownload(t *testing.T) {
	students := &mockStudentSource{students: []models.StudentDetail{
		{
			Student:  models.Student{ID: "stu-1", Status: models.StudentStatusActive, CreatedAt: time.Now()},
			FullName: "Ada Lovelace",
			Email:    "ada@example.com",
		},
	}}
	exporter := newTestExportService(t, students, &mockEnrollmentSource{})

	store := newMockExportStore()
	job := &models.ExportJob{
		Type:   models.ExportTypeStudents,
		Params: models.ExportJobParams{Format: models.ExportFormatCSV},
		Status: models.ExportStatusQueued,
	}
	require.NoError(t, store.Create(context.Background(), job))

	worker := NewExportWorker(store, exporter, 3, nil)
	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Attempt: 1}))

	svc := NewExportJobService(store, &mockDispatcher{}, exporter, nil, ExportJobServiceConfig{})

	stored, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	token := extractToken(*stored.ResultURL)

	download, err := svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, models.ExportFormatCSV, download.Format)
	assert.Contains(t, download.Filename, "students_")

	_, err = svc.ResolveDownload(context.Background(), "bogus-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
