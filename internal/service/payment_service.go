package service

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
	"github.com/nextstep-learning/tutoring-api/pkg/payments"
)

type paymentClient interface {
	CreateIntent(ctx context.Context, amountCents int64, metadata map[string]string) (*payments.Intent, error)
	GetIntent(ctx context.Context, id string) (*payments.Intent, error)
	VerifyWebhook(payload []byte, sigHeader string) (*payments.Event, error)
}

type paymentEnrollmentRepository interface {
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (*models.Enrollment, error)
}

type paymentStudentRepository interface {
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
}

// enrollmentConfirmer is the activation entry point shared by the webhook
// and the client fast path.
type enrollmentConfirmer interface {
	ConfirmPayment(ctx context.Context, enrollmentID string) (*ConfirmPaymentResult, error)
	AttachPaymentIntent(ctx context.Context, enrollmentID, intentID string) error
}

// CreateIntentRequest asks for a charge intent for a pending enrollment.
// The client-supplied amount is advisory only and is cross-checked against
// the class price on record.
type CreateIntentRequest struct {
	EnrollmentID string  `json:"enrollment_id" validate:"required"`
	Amount       float64 `json:"amount" validate:"omitempty,gt=0"`
}

// CreateIntentResponse returns what the browser needs to collect payment.
type CreateIntentResponse struct {
	IntentID     string  `json:"intent_id"`
	ClientSecret string  `json:"client_secret"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
}

// PaymentConfig tunes payment amount handling.
type PaymentConfig struct {
	AmountTolerance float64
}

// PaymentService mediates between enrollments and the payment provider.
// The webhook is the authoritative activation path; client confirmation is
// a redundant fast path that checks the provider before acting.
type PaymentService struct {
	client      paymentClient
	enrollments paymentEnrollmentRepository
	students    paymentStudentRepository
	confirmer   enrollmentConfirmer
	validator   *validator.Validate
	logger      *zap.Logger
	config      PaymentConfig
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(client paymentClient, enrollments paymentEnrollmentRepository, students paymentStudentRepository, confirmer enrollmentConfirmer, validate *validator.Validate, logger *zap.Logger, config PaymentConfig) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.AmountTolerance <= 0 {
		config.AmountTolerance = 0.01
	}
	return &PaymentService{
		client:      client,
		enrollments: enrollments,
		students:    students,
		confirmer:   confirmer,
		validator:   validate,
		logger:      logger,
		config:      config,
	}
}

// CreateIntent issues a charge intent for the caller's pending enrollment.
// The charged amount always comes from the class price on record.
func (s *PaymentService) CreateIntent(ctx context.Context, userID string, req CreateIntentRequest) (*CreateIntentResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment intent payload")
	}

	detail, err := s.loadOwnedEnrollment(ctx, userID, req.EnrollmentID)
	if err != nil {
		return nil, err
	}

	if detail.PaymentStatus == models.PaymentStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment is already paid")
	}

	if req.Amount > 0 && math.Abs(req.Amount-detail.Price) > s.config.AmountTolerance {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount does not match the class price")
	}

	amountCents := int64(math.Round(detail.Price * 100))
	intent, err := s.client.CreateIntent(ctx, amountCents, map[string]string{
		"enrollment_id": detail.ID,
		"student_id":    detail.StudentID,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPaymentRejected.Code, appErrors.ErrPaymentRejected.Status, "payment provider rejected the intent")
	}

	if err := s.confirmer.AttachPaymentIntent(ctx, detail.ID, intent.ID); err != nil {
		s.logger.Warn("failed to record payment intent on enrollment", zap.String("enrollment_id", detail.ID), zap.Error(err))
	}

	return &CreateIntentResponse{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       detail.Price,
		Currency:     intent.Currency,
	}, nil
}

// HandleWebhook verifies and processes a provider notification. Signature
// failures reject the request outright. Unhandled event types are
// acknowledged without action so the provider stops retrying them.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*ConfirmPaymentResult, error) {
	event, err := s.client.VerifyWebhook(payload, signature)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrBadSignature.Code, appErrors.ErrBadSignature.Status, "webhook signature verification failed")
	}

	if event.Type != payments.EventTypeIntentSucceeded || event.Intent == nil {
		s.logger.Debug("ignoring webhook event", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return nil, nil
	}

	enrollmentID := event.Intent.Metadata["enrollment_id"]
	if enrollmentID == "" {
		enrollment, findErr := s.enrollments.FindByPaymentIntent(ctx, event.Intent.ID)
		if findErr != nil {
			if errors.Is(findErr, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "no enrollment for payment intent")
			}
			return nil, appErrors.Wrap(findErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve enrollment")
		}
		enrollmentID = enrollment.ID
	}

	result, err := s.confirmer.ConfirmPayment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrollment activated via webhook",
		zap.String("enrollment_id", result.EnrollmentID),
		zap.String("event_id", event.ID),
		zap.Bool("already_active", result.AlreadyActive))
	return result, nil
}

// ConfirmByClient is the browser-driven fast path. It never trusts the
// caller: the intent status is re-read from the provider before activating.
func (s *PaymentService) ConfirmByClient(ctx context.Context, userID, enrollmentID string) (*ConfirmPaymentResult, error) {
	detail, err := s.loadOwnedEnrollment(ctx, userID, enrollmentID)
	if err != nil {
		return nil, err
	}

	if detail.PaymentStatus == models.PaymentStatusCompleted {
		return &ConfirmPaymentResult{
			EnrollmentID:   detail.ID,
			EntranceNumber: detail.EntranceNumber,
			AlreadyActive:  true,
		}, nil
	}

	if detail.PaymentIntentID == nil || *detail.PaymentIntentID == "" {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no payment intent issued for this enrollment")
	}

	intent, err := s.client.GetIntent(ctx, *detail.PaymentIntentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPaymentRejected.Code, appErrors.ErrPaymentRejected.Status, "failed to check payment status")
	}
	if intent.Status != payments.IntentStatusSucceeded {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "payment has not succeeded")
	}

	return s.confirmer.ConfirmPayment(ctx, enrollmentID)
}

func (s *PaymentService) loadOwnedEnrollment(ctx context.Context, userID, enrollmentID string) (*models.EnrollmentDetail, error) {
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
	return detail, nil
}
