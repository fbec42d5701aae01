package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

func newEnrollmentMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEnrollmentRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	enrollment := &models.Enrollment{StudentID: "student-1", ClassID: "class-1", EntranceNumber: "TEMP-1700000000000"}
	err := repo.Create(context.Background(), enrollment)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.ID)
	assert.Equal(t, models.PaymentStatusPending, enrollment.PaymentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateConflict(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO enrollments").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &models.Enrollment{StudentID: "student-1", ClassID: "class-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "already enrolled")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateEntranceNumberCollision(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO enrollments").
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "enrollments_entrance_number_key"})

	err := repo.Create(context.Background(), &models.Enrollment{StudentID: "student-1", ClassID: "class-1", EntranceNumber: "TEMP-1700000000000"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "entrance number")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryConfirmPayment(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	paid := time.Now().UTC()
	mock.ExpectExec("UPDATE enrollments SET payment_status").
		WithArgs("enr-1", models.PaymentStatusCompleted, "Y8-A1B2C3", paid, models.PaymentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := repo.ConfirmPayment(context.Background(), "enr-1", "Y8-A1B2C3", paid)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryConfirmPaymentAlreadyCompleted(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	paid := time.Now().UTC()
	mock.ExpectExec("UPDATE enrollments SET payment_status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := repo.ConfirmPayment(context.Background(), "enr-1", "Y8-A1B2C3", paid)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByPaymentIntent(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	intentID := "pi_123"
	rows := sqlmock.NewRows([]string{"id", "student_id", "class_id", "payment_status", "is_active", "entrance_number", "payment_intent_id", "payment_date", "created_at"}).
		AddRow("enr-1", "student-1", "class-1", "pending", false, "TEMP-1700000000000", intentID, nil, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM enrollments WHERE payment_intent_id").
		WithArgs(intentID).
		WillReturnRows(rows)

	enrollment, err := repo.FindByPaymentIntent(context.Background(), intentID)
	require.NoError(t, err)
	assert.Equal(t, "enr-1", enrollment.ID)
	assert.False(t, enrollment.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByPaymentIntentNotFound(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM enrollments WHERE payment_intent_id").
		WithArgs("pi_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByPaymentIntent(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryList(t *testing.T) {
	db, mock, cleanup := newEnrollmentMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "class_id", "payment_status", "is_active", "entrance_number", "payment_intent_id", "payment_date", "created_at",
		"class_name", "subject", "year_level", "price", "student_name", "student_email"}).
		AddRow("enr-1", "student-1", "class-1", "completed", true, "Y8-A1B2C3", "pi_123", time.Now(), time.Now(),
			"Year 8 Mathematics", "mathematics", 8, 98.0, "Alex Lee", "alex@example.com")
	mock.ExpectQuery("SELECT e.id, (.+) FROM enrollments e").
		WithArgs("student-1").
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrollments e`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	enrollments, total, err := repo.List(context.Background(), models.EnrollmentFilter{StudentID: "student-1"})
	require.NoError(t, err)
	assert.Len(t, enrollments, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Y8-A1B2C3", enrollments[0].EntranceNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}
