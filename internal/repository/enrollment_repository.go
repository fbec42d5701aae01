package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentDetailColumns = `e.id, e.student_id, e.class_id, e.payment_status, e.is_active, e.entrance_number, e.payment_intent_id, e.payment_date, e.created_at,
        c.name AS class_name, c.subject, c.year_level, c.price,
        COALESCE(p.full_name, '') AS student_name, COALESCE(p.email, '') AS student_email`

const enrollmentDetailJoins = `FROM enrollments e
LEFT JOIN classes c ON c.id = e.class_id
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN profiles p ON p.id = s.user_id`

// Create persists a new enrollment. The unique (student_id, class_id)
// constraint surfaces as ErrConflict.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now().UTC()
	}
	if enrollment.PaymentStatus == "" {
		enrollment.PaymentStatus = models.PaymentStatusPending
	}
	const query = `INSERT INTO enrollments (id, student_id, class_id, payment_status, is_active, entrance_number, payment_intent_id, payment_date, created_at)
        VALUES (:id, :student_id, :class_id, :payment_status, :is_active, :entrance_number, :payment_intent_id, :payment_date, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		if isUniqueViolation(err) {
			// The row carries two unique constraints; report the right one.
			if strings.Contains(violatedConstraint(err), "entrance_number") {
				return appErrors.Clone(appErrors.ErrConflict, "entrance number collision")
			}
			return appErrors.Clone(appErrors.ErrConflict, "student is already enrolled in this class")
		}
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, class_id, payment_status, is_active, entrance_number, payment_intent_id, payment_date, created_at FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with class and student context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE e.id = $1", enrollmentDetailColumns, enrollmentDetailJoins)
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find enrollment detail: %w", err)
	}
	return &detail, nil
}

// FindByPaymentIntent resolves the enrollment attached to a payment intent.
func (r *EnrollmentRepository) FindByPaymentIntent(ctx context.Context, intentID string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, class_id, payment_status, is_active, entrance_number, payment_intent_id, payment_date, created_at FROM enrollments WHERE payment_intent_id = $1 LIMIT 1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, intentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find enrollment by payment intent: %w", err)
	}
	return &enrollment, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("e.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.PaymentStatus != "" {
		conditions = append(conditions, fmt.Sprintf("e.payment_status = $%d", len(args)+1))
		args = append(args, filter.PaymentStatus)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"payment_date": "e.payment_date",
		"student_name": "p.full_name",
		"class_name":   "c.name",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d",
		enrollmentDetailColumns, enrollmentDetailJoins+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", enrollmentDetailJoins+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// AttachPaymentIntent records the intent id issued for a pending enrollment.
func (r *EnrollmentRepository) AttachPaymentIntent(ctx context.Context, id, intentID string) error {
	const query = `UPDATE enrollments SET payment_intent_id = $2 WHERE id = $1 AND payment_status = $3`
	if _, err := r.db.ExecContext(ctx, query, id, intentID, models.PaymentStatusPending); err != nil {
		return fmt.Errorf("attach payment intent: %w", err)
	}
	return nil
}

// ConfirmPayment flips a pending enrollment to completed and active with its
// permanent entrance number. It returns false when no pending row matched,
// which means the enrollment was already confirmed. A duplicate entrance
// number surfaces as ErrConflict so the caller can regenerate and retry.
func (r *EnrollmentRepository) ConfirmPayment(ctx context.Context, id, entranceNumber string, paymentDate time.Time) (bool, error) {
	const query = `UPDATE enrollments SET payment_status = $2, is_active = TRUE, entrance_number = $3, payment_date = $4
        WHERE id = $1 AND payment_status = $5`
	result, err := r.db.ExecContext(ctx, query, id, models.PaymentStatusCompleted, entranceNumber, paymentDate, models.PaymentStatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return false, appErrors.Clone(appErrors.ErrConflict, "entrance number collision")
		}
		return false, fmt.Errorf("confirm enrollment payment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm enrollment rows affected: %w", err)
	}
	return affected > 0, nil
}
