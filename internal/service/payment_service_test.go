package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/payments"
)

type mockPaymentClient struct {
	createdAmount int64
	intent        *payments.Intent
	intents       map[string]*payments.Intent
	event         *payments.Event
	verifyErr     error
	createErr     error
}

func (m *mockPaymentClient) CreateIntent(ctx context.Context, amountCents int64, metadata map[string]string) (*payments.Intent, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createdAmount = amountCents
	if m.intent != nil {
		return m.intent, nil
	}
	return &payments.Intent{ID: "pi_new", ClientSecret: "secret", Amount: amountCents, Currency: "usd", Metadata: metadata}, nil
}

func (m *mockPaymentClient) GetIntent(ctx context.Context, id string) (*payments.Intent, error) {
	if intent, ok := m.intents[id]; ok {
		return intent, nil
	}
	return nil, errors.New("intent not found")
}

func (m *mockPaymentClient) VerifyWebhook(payload []byte, sigHeader string) (*payments.Event, error) {
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	return m.event, nil
}

type mockPaymentEnrollments struct {
	details  map[string]models.EnrollmentDetail
	byIntent map[string]models.Enrollment
}

func (m *mockPaymentEnrollments) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if d, ok := m.details[id]; ok {
		return &d, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockPaymentEnrollments) FindByPaymentIntent(ctx context.Context, intentID string) (*models.Enrollment, error) {
	if e, ok := m.byIntent[intentID]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

type mockConfirmer struct {
	confirmed []string
	attached  map[string]string
	result    *ConfirmPaymentResult
	err       error
}

func (m *mockConfirmer) ConfirmPayment(ctx context.Context, enrollmentID string) (*ConfirmPaymentResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.confirmed = append(m.confirmed, enrollmentID)
	if m.result != nil {
		return m.result, nil
	}
	return &ConfirmPaymentResult{EnrollmentID: enrollmentID, EntranceNumber: "Y8-A1B2C3"}, nil
}

func (m *mockConfirmer) AttachPaymentIntent(ctx context.Context, enrollmentID, intentID string) error {
	if m.attached == nil {
		m.attached = make(map[string]string)
	}
	m.attached[enrollmentID] = intentID
	return nil
}

func pendingDetail(price float64) models.EnrollmentDetail {
	return models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-1", StudentID: "student-1", PaymentStatus: models.PaymentStatusPending},
		Price:      price,
	}
}

func newPaymentService(client *mockPaymentClient, enrollments *mockPaymentEnrollments, students *mockStudentRepo, confirmer *mockConfirmer) *PaymentService {
	return NewPaymentService(client, enrollments, students, confirmer, validator.New(), zap.NewNop(), PaymentConfig{AmountTolerance: 0.01})
}

func ownerStudents() *mockStudentRepo {
	return &mockStudentRepo{byUser: map[string]models.Student{"user-1": {ID: "student-1", UserID: "user-1"}}}
}

func TestCreateIntentUsesServerSidePrice(t *testing.T) {
	client := &mockPaymentClient{}
	enrollments := &mockPaymentEnrollments{details: map[string]models.EnrollmentDetail{"enr-1": pendingDetail(98)}}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(client, enrollments, ownerStudents(), confirmer)

	resp, err := svc.CreateIntent(context.Background(), "user-1", CreateIntentRequest{EnrollmentID: "enr-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(9800), client.createdAmount)
	assert.Equal(t, 98.0, resp.Amount)
	assert.Equal(t, "pi_new", confirmer.attached["enr-1"])
}

func TestCreateIntentRejectsMismatchedAmount(t *testing.T) {
	client := &mockPaymentClient{}
	enrollments := &mockPaymentEnrollments{details: map[string]models.EnrollmentDetail{"enr-1": pendingDetail(98)}}
	svc := newPaymentService(client, enrollments, ownerStudents(), &mockConfirmer{})

	_, err := svc.CreateIntent(context.Background(), "user-1", CreateIntentRequest{EnrollmentID: "enr-1", Amount: 1})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Zero(t, client.createdAmount)
}

func TestCreateIntentRejectsPaidEnrollment(t *testing.T) {
	detail := pendingDetail(98)
	detail.PaymentStatus = models.PaymentStatusCompleted
	enrollments := &mockPaymentEnrollments{details: map[string]models.EnrollmentDetail{"enr-1": detail}}
	svc := newPaymentService(&mockPaymentClient{}, enrollments, ownerStudents(), &mockConfirmer{})

	_, err := svc.CreateIntent(context.Background(), "user-1", CreateIntentRequest{EnrollmentID: "enr-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestCreateIntentForbiddenForOtherStudent(t *testing.T) {
	detail := pendingDetail(98)
	detail.StudentID = "student-2"
	enrollments := &mockPaymentEnrollments{details: map[string]models.EnrollmentDetail{"enr-1": detail}}
	svc := newPaymentService(&mockPaymentClient{}, enrollments, ownerStudents(), &mockConfirmer{})

	_, err := svc.CreateIntent(context.Background(), "user-1", CreateIntentRequest{EnrollmentID: "enr-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	client := &mockPaymentClient{verifyErr: errors.New("signature mismatch")}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(client, &mockPaymentEnrollments{}, ownerStudents(), confirmer)

	_, err := svc.HandleWebhook(context.Background(), []byte("{}"), "t=1,v1=bad")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrBadSignature.Code, appErr.Code)
	assert.Empty(t, confirmer.confirmed)
}

func TestHandleWebhookConfirmsFromMetadata(t *testing.T) {
	client := &mockPaymentClient{event: &payments.Event{
		ID:   "evt_1",
		Type: payments.EventTypeIntentSucceeded,
		Intent: &payments.Intent{
			ID:       "pi_1",
			Status:   payments.IntentStatusSucceeded,
			Metadata: map[string]string{"enrollment_id": "enr-1"},
		},
	}}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(client, &mockPaymentEnrollments{}, ownerStudents(), confirmer)

	result, err := svc.HandleWebhook(context.Background(), []byte("{}"), "t=1,v1=good")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"enr-1"}, confirmer.confirmed)
}

func TestHandleWebhookFallsBackToIntentLookup(t *testing.T) {
	client := &mockPaymentClient{event: &payments.Event{
		ID:     "evt_1",
		Type:   payments.EventTypeIntentSucceeded,
		Intent: &payments.Intent{ID: "pi_1", Status: payments.IntentStatusSucceeded},
	}}
	enrollments := &mockPaymentEnrollments{byIntent: map[string]models.Enrollment{
		"pi_1": {ID: "enr-9", PaymentStatus: models.PaymentStatusPending},
	}}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(client, enrollments, ownerStudents(), confirmer)

	_, err := svc.HandleWebhook(context.Background(), []byte("{}"), "t=1,v1=good")
	require.NoError(t, err)
	assert.Equal(t, []string{"enr-9"}, confirmer.confirmed)
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	client := &mockPaymentClient{event: &payments.Event{ID: "evt_1", Type: "payment_intent.created"}}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(client, &mockPaymentEnrollments{}, ownerStudents(), confirmer)

	result, err := svc.HandleWebhook(context.Background(), []byte("{}"), "t=1,v1=good")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, confirmer.confirmed)
}

func TestConfirmByClientChecksProviderStatus(t *testing.T) {
	intentID := "pi_1"
	detail := pendingDetail(98)
	detail.PaymentIntentID = &intentID
	enrollments := &mockPaymentEnrollments{details: map[string]models.EnrollmentDetail{"enr-1": detail}}

	client := &mockPaymentClient{intents: map[string]*payments.Intent{
		"pi_1": {ID: "pi_1", Status: "processing"},
	}}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(client, enrollments, ownerStudents(), confirmer)

	_, err := svc.ConfirmByClient(context.Background(), "user-1", "enr-1")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErr.Code)
	assert.Empty(t, confirmer.confirmed)

	client.intents["pi_1"].Status = payments.IntentStatusSucceeded
	result, err := svc.ConfirmByClient(context.Background(), "user-1", "enr-1")
	require.NoError(t, err)
	assert.Equal(t, "Y8-A1B2C3", result.EntranceNumber)
	assert.Equal(t, []string{"enr-1"}, confirmer.confirmed)
}

func TestConfirmByClientIdempotentWhenCompleted(t *testing.T) {
	detail := pendingDetail(98)
	detail.PaymentStatus = models.PaymentStatusCompleted
	detail.EntranceNumber = "Y8-ZZZZZZ"
	enrollments := &mockPaymentEnrollments{details: map[string]models.EnrollmentDetail{"enr-1": detail}}
	confirmer := &mockConfirmer{}
	svc := newPaymentService(&mockPaymentClient{}, enrollments, ownerStudents(), confirmer)

	result, err := svc.ConfirmByClient(context.Background(), "user-1", "enr-1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyActive)
	assert.Equal(t, "Y8-ZZZZZZ", result.EntranceNumber)
	assert.Empty(t, confirmer.confirmed)
}
