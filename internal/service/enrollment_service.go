package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/export"
)

const (
	entranceNumberCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	entranceNumberLength  = 6
	entranceNumberRetries = 5
	defaultYearLevel      = 8
)

type enrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	AttachPaymentIntent(ctx context.Context, id, intentID string) error
	ConfirmPayment(ctx context.Context, id, entranceNumber string, paymentDate time.Time) (bool, error)
}

type enrollmentStudentRepository interface {
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, id string, update models.StudentUpdate) error
	Activate(ctx context.Context, id string) error
}

type enrollmentClassRepository interface {
	FindActiveBySubject(ctx context.Context, subject string, yearLevel int) (*models.Class, error)
}

type enrollmentProfileRepository interface {
	Create(ctx context.Context, profile *models.Profile) error
	Update(ctx context.Context, id string, update models.ProfileUpdate) error
}

type receiptRenderer interface {
	RenderReceipt(r export.Receipt) ([]byte, error)
}

// InitiateEnrollmentRequest carries the student-facing enrollment form.
// Email is filled from the caller's token, never from the request body.
type InitiateEnrollmentRequest struct {
	Email         string `json:"-"`
	Subject       string `json:"subject" validate:"required"`
	YearLevel     int    `json:"year_level" validate:"omitempty,min=1,max=12"`
	FullName      string `json:"full_name" validate:"required"`
	Phone         string `json:"phone"`
	School        string `json:"school"`
	GuardianName  string `json:"guardian_name"`
	GuardianPhone string `json:"guardian_phone"`
	PreviousGrade string `json:"previous_grade"`
}

// InitiateEnrollmentResult reports the pending enrollment and the amount due.
type InitiateEnrollmentResult struct {
	Enrollment *models.Enrollment `json:"enrollment"`
	Class      *models.Class      `json:"class"`
	AmountDue  float64            `json:"amount_due"`
	Warnings   []models.Warning   `json:"warnings,omitempty"`
}

// ConfirmPaymentResult reports activation state after payment confirmation.
type ConfirmPaymentResult struct {
	EnrollmentID   string           `json:"enrollment_id"`
	EntranceNumber string           `json:"entrance_number"`
	AlreadyActive  bool             `json:"already_active"`
	Warnings       []models.Warning `json:"warnings,omitempty"`
}

// EnrollmentListResult pairs enrollments with pagination metadata.
type EnrollmentListResult struct {
	Enrollments []models.EnrollmentDetail `json:"enrollments"`
	Pagination  models.Pagination         `json:"pagination"`
}

// EnrollmentService implements the enrollment workflow: a pending record is
// created up front and activation happens exactly once on payment
// confirmation, whichever path delivers it first.
type EnrollmentService struct {
	enrollments enrollmentRepository
	students    enrollmentStudentRepository
	classes     enrollmentClassRepository
	profiles    enrollmentProfileRepository
	receipts    receiptRenderer
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewEnrollmentService constructs an EnrollmentService.
func NewEnrollmentService(enrollments enrollmentRepository, students enrollmentStudentRepository, classes enrollmentClassRepository, profiles enrollmentProfileRepository, receipts receiptRenderer, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &EnrollmentService{
		enrollments: enrollments,
		students:    students,
		classes:     classes,
		profiles:    profiles,
		receipts:    receipts,
		validator:   validate,
		logger:      logger,
	}
}

// Initiate creates a pending, inactive enrollment for the caller. The
// profile update is best-effort; the student record and the enrollment row
// itself are fatal on failure.
func (s *EnrollmentService) Initiate(ctx context.Context, userID string, req InitiateEnrollmentRequest) (*InitiateEnrollmentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	yearLevel := req.YearLevel
	if yearLevel == 0 {
		yearLevel = defaultYearLevel
	}

	var warnings []models.Warning
	if err := s.profiles.Update(ctx, userID, models.ProfileUpdate{FullName: req.FullName, Phone: req.Phone}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// First enrollment for an identity without a profile row yet.
			err = s.profiles.Create(ctx, &models.Profile{
				ID:       userID,
				Email:    req.Email,
				FullName: req.FullName,
				Phone:    req.Phone,
				Role:     models.RoleStudent,
			})
		}
		if err != nil {
			s.logger.Warn("profile upsert failed during enrollment", zap.String("user_id", userID), zap.Error(err))
			warnings = append(warnings, models.Warning{Action: "update_profile", Reason: "profile could not be updated"})
		}
	}

	student, err := s.students.FindByUserID(ctx, userID)
	switch {
	case err == nil:
		// The form is the freshest source for school and guardian details.
		if updateErr := s.students.Update(ctx, student.ID, models.StudentUpdate{
			School:        req.School,
			GuardianName:  req.GuardianName,
			GuardianPhone: req.GuardianPhone,
			Status:        student.Status,
		}); updateErr != nil {
			return nil, appErrors.Wrap(updateErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student record")
		}
		student.School = req.School
		student.GuardianName = req.GuardianName
		student.GuardianPhone = req.GuardianPhone
	default:
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student record")
		}
		student = &models.Student{
			UserID:        userID,
			School:        req.School,
			GuardianName:  req.GuardianName,
			GuardianPhone: req.GuardianPhone,
			PreviousGrade: req.PreviousGrade,
			Status:        models.StudentStatusInactive,
		}
		if createErr := s.students.Create(ctx, student); createErr != nil {
			var appErr *appErrors.Error
			if errors.As(createErr, &appErr) && appErr.Code == appErrors.ErrConflict.Code {
				// Lost a race with a concurrent initiate; use the winner's row.
				student, err = s.students.FindByUserID(ctx, userID)
				if err != nil {
					return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student record")
				}
			} else {
				return nil, appErrors.Wrap(createErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student record")
			}
		}
	}

	class, err := s.classes.FindActiveBySubject(ctx, req.Subject, yearLevel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no active class found for this subject")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve class")
	}

	enrollment := &models.Enrollment{
		StudentID:      student.ID,
		ClassID:        class.ID,
		PaymentStatus:  models.PaymentStatusPending,
		IsActive:       false,
		EntranceNumber: placeholderEntranceNumber(),
	}
	if err := s.enrollments.Create(ctx, enrollment); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	return &InitiateEnrollmentResult{
		Enrollment: enrollment,
		Class:      class,
		AmountDue:  class.Price,
		Warnings:   warnings,
	}, nil
}

// ConfirmPayment activates an enrollment after payment. The operation is
// idempotent: confirming an already completed enrollment returns the stored
// entrance number without modifying anything.
func (s *EnrollmentService) ConfirmPayment(ctx context.Context, enrollmentID string) (*ConfirmPaymentResult, error) {
	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	if detail.PaymentStatus == models.PaymentStatusCompleted {
		return &ConfirmPaymentResult{
			EnrollmentID:   detail.ID,
			EntranceNumber: detail.EntranceNumber,
			AlreadyActive:  true,
		}, nil
	}

	yearLevel := detail.YearLevel
	if yearLevel == 0 {
		yearLevel = defaultYearLevel
	}

	paymentDate := time.Now().UTC()
	var entranceNumber string
	for attempt := 0; attempt < entranceNumberRetries; attempt++ {
		entranceNumber, err = generateEntranceNumber(yearLevel)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate entrance number")
		}

		updated, confirmErr := s.enrollments.ConfirmPayment(ctx, enrollmentID, entranceNumber, paymentDate)
		if confirmErr != nil {
			var appErr *appErrors.Error
			if errors.As(confirmErr, &appErr) && appErr.Code == appErrors.ErrConflict.Code {
				continue
			}
			return nil, appErrors.Wrap(confirmErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to confirm payment")
		}
		if !updated {
			// Another path confirmed first; report its entrance number.
			current, loadErr := s.enrollments.FindByID(ctx, enrollmentID)
			if loadErr != nil {
				return nil, appErrors.Wrap(loadErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
			}
			return &ConfirmPaymentResult{
				EnrollmentID:   current.ID,
				EntranceNumber: current.EntranceNumber,
				AlreadyActive:  true,
			}, nil
		}

		result := &ConfirmPaymentResult{EnrollmentID: enrollmentID, EntranceNumber: entranceNumber}
		if activateErr := s.students.Activate(ctx, detail.StudentID); activateErr != nil {
			s.logger.Warn("student activation failed after payment", zap.String("student_id", detail.StudentID), zap.Error(activateErr))
			result.Warnings = append(result.Warnings, models.Warning{Action: "activate_student", Reason: "student record could not be activated"})
		}
		return result, nil
	}

	return nil, appErrors.Clone(appErrors.ErrInternal, "could not allocate a unique entrance number")
}

// AttachPaymentIntent links an issued payment intent to its enrollment.
func (s *EnrollmentService) AttachPaymentIntent(ctx context.Context, enrollmentID, intentID string) error {
	if err := s.enrollments.AttachPaymentIntent(ctx, enrollmentID, intentID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to attach payment intent")
	}
	return nil
}

// List returns enrollments for the given filter (admin view).
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) (*EnrollmentListResult, error) {
	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return &EnrollmentListResult{
		Enrollments: enrollments,
		Pagination:  models.Pagination{Page: page, PageSize: size, TotalCount: total},
	}, nil
}

// ListMine returns the caller's own enrollments.
func (s *EnrollmentService) ListMine(ctx context.Context, userID string, filter models.EnrollmentFilter) (*EnrollmentListResult, error) {
	student, err := s.students.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &EnrollmentListResult{Enrollments: []models.EnrollmentDetail{}, Pagination: models.Pagination{Page: 1, PageSize: 20}}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student record")
	}
	filter.StudentID = student.ID
	return s.List(ctx, filter)
}

// getOwnedActive loads an enrollment and verifies it belongs to the caller
// and has been activated.
func (s *EnrollmentService) getOwnedActive(ctx context.Context, userID, enrollmentID string) (*models.EnrollmentDetail, error) {
	student, err := s.students.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student record")
	}

	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if detail.StudentID != student.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment does not belong to caller")
	}
	if !detail.IsActive {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is not active yet")
	}
	return detail, nil
}

// EntrancePass renders a QR code PNG encoding the caller's entrance number.
func (s *EnrollmentService) EntrancePass(ctx context.Context, userID, enrollmentID string) ([]byte, error) {
	detail, err := s.getOwnedActive(ctx, userID, enrollmentID)
	if err != nil {
		return nil, err
	}

	payload := fmt.Sprintf("%s|%s|%s", detail.EntranceNumber, detail.StudentName, detail.Subject)
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render entrance pass")
	}
	return png, nil
}

// Receipt renders a PDF payment receipt for the caller's enrollment.
func (s *EnrollmentService) Receipt(ctx context.Context, userID, enrollmentID string) ([]byte, error) {
	detail, err := s.getOwnedActive(ctx, userID, enrollmentID)
	if err != nil {
		return nil, err
	}

	paymentDate := time.Now().UTC()
	if detail.PaymentDate != nil {
		paymentDate = *detail.PaymentDate
	}

	pdf, err := s.receipts.RenderReceipt(export.Receipt{
		StudentName:    detail.StudentName,
		StudentEmail:   detail.StudentEmail,
		Subject:        detail.Subject,
		ClassName:      detail.ClassName,
		EntranceNumber: detail.EntranceNumber,
		AmountPaid:     fmt.Sprintf("%.2f", detail.Price),
		PaymentDate:    paymentDate.Format("02 Jan 2006"),
		ReceiptNumber:  fmt.Sprintf("RCP-%s", detail.ID),
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render receipt")
	}
	return pdf, nil
}

// placeholderEntranceNumber issues the temporary token stored until payment
// confirmation allocates the permanent number.
func placeholderEntranceNumber() string {
	return fmt.Sprintf("TEMP-%d", time.Now().UnixMilli())
}

// generateEntranceNumber produces a permanent number of the form
// Y<year>-<6 random chars drawn from digits and uppercase letters>.
func generateEntranceNumber(yearLevel int) (string, error) {
	suffix := make([]byte, entranceNumberLength)
	max := big.NewInt(int64(len(entranceNumberCharset)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random entrance digit: %w", err)
		}
		suffix[i] = entranceNumberCharset[n.Int64()]
	}
	return fmt.Sprintf("Y%d-%s", yearLevel, suffix), nil
}
