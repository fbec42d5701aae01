package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	"github.com/nextstep-learning/tutoring-api/pkg/export"
	"github.com/nextstep-learning/tutoring-api/pkg/storage"
)

const exportPageSize = 100

type exportStudentSource interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
}

type exportEnrollmentSource interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ExportFormat
	ExpiresAt    time.Time
}

// ExportService builds admin export datasets and persists rendered files.
type ExportService struct {
	students    exportStudentSource
	enrollments exportEnrollmentSource
	storage     fileStorage
	csv         csvRenderer
	pdf         pdfRenderer
	signer      *storage.SignedURLSigner
	logger      *zap.Logger
	cfg         ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(students exportStudentSource, enrollments exportEnrollmentSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		students:    students,
		enrollments: enrollments,
		storage:     store,
		csv:         csv,
		pdf:         pdf,
		signer:      signer,
		logger:      logger,
		cfg:         cfg,
	}
}

// Generate builds the dataset for the job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ExportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ExportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/exports/download/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (exportID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ExportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("%s_%s.%s", strings.ToLower(string(job.Type)), timestamp, job.Params.Format)
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ExportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ExportTypeStudents:
		return s.buildStudentDataset(ctx, job.Params)
	case models.ExportTypeEnrollments:
		return s.buildEnrollmentDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported export type %s", job.Type)
	}
}

func (s *ExportService) buildStudentDataset(ctx context.Context, params models.ExportJobParams) (export.Dataset, string, error) {
	rows := make([]map[string]string, 0)
	for page := 1; ; page++ {
		students, total, err := s.students.List(ctx, models.StudentFilter{
			Status:   params.Status,
			Page:     page,
			PageSize: exportPageSize,
		})
		if err != nil {
			return export.Dataset{}, "", err
		}
		for _, student := range students {
			rows = append(rows, map[string]string{
				"Name":           student.FullName,
				"Email":          student.Email,
				"Phone":          student.Phone,
				"School":         student.School,
				"Guardian":       student.GuardianName,
				"Guardian Phone": student.GuardianPhone,
				"Status":         string(student.Status),
				"Registered":     student.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		if len(rows) >= total || len(students) == 0 {
			break
		}
	}

	dataset := export.Dataset{
		Headers: []string{"Name", "Email", "Phone", "School", "Guardian", "Guardian Phone", "Status", "Registered"},
		Rows:    rows,
	}
	return dataset, "Student Roster", nil
}

func (s *ExportService) buildEnrollmentDataset(ctx context.Context, params models.ExportJobParams) (export.Dataset, string, error) {
	rows := make([]map[string]string, 0)
	for page := 1; ; page++ {
		enrollments, total, err := s.enrollments.List(ctx, models.EnrollmentFilter{
			PaymentStatus: params.PaymentStatus,
			Page:          page,
			PageSize:      exportPageSize,
		})
		if err != nil {
			return export.Dataset{}, "", err
		}
		for _, enrollment := range enrollments {
			paymentDate := ""
			if enrollment.PaymentDate != nil {
				paymentDate = enrollment.PaymentDate.UTC().Format(time.RFC3339)
			}
			rows = append(rows, map[string]string{
				"Student":         enrollment.StudentName,
				"Email":           enrollment.StudentEmail,
				"Class":           enrollment.ClassName,
				"Subject":         enrollment.Subject,
				"Entrance Number": enrollment.EntranceNumber,
				"Payment Status":  string(enrollment.PaymentStatus),
				"Amount":          fmt.Sprintf("%.2f", enrollment.Price),
				"Payment Date":    paymentDate,
			})
		}
		if len(rows) >= total || len(enrollments) == 0 {
			break
		}
	}

	dataset := export.Dataset{
		Headers: []string{"Student", "Email", "Class", "Subject", "Entrance Number", "Payment Status", "Amount", "Payment Date"},
		Rows:    rows,
	}
	return dataset, "Enrollment Report", nil
}
