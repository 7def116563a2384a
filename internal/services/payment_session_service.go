package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
	"github.com/smarttransit/seat-booking-backend/pkg/mpesa"
	"github.com/smarttransit/seat-booking-backend/pkg/validator"
)

const (
	defaultPaymentPage = 20
	maxPaymentPage     = 100
)

// ErrUnknownCheckout is returned for callbacks whose checkout reference is
// not (yet) stored. The push response may still be in flight, so the task
// is retried.
var ErrUnknownCheckout = errors.New("no payment session for checkout reference")

// PaymentSessionConfig holds the payment windows
type PaymentSessionConfig struct {
	SessionTTL     time.Duration
	VerifyDelay    time.Duration
	TaskMaxAttempt int
}

// NewPaymentSessionConfig derives the payment windows from configuration
func NewPaymentSessionConfig(booking config.BookingConfig, reconcile config.ReconcileConfig) PaymentSessionConfig {
	return PaymentSessionConfig{
		SessionTTL:     booking.PaymentSessionTTL,
		VerifyDelay:    booking.VerifyDelay,
		TaskMaxAttempt: reconcile.TaskMaxAttempts,
	}
}

// Finalizer is satisfied by *BookingFinalizer
type Finalizer interface {
	Finalize(ctx context.Context, session *models.PaymentSession) (*models.Booking, error)
}

// PaymentSessionService drives the payment state machine:
//
//	pending -> stk_pushed -> processing -> completed | failed | expired | cancelled
//	completed -> refund_required (finalizer only)
//
// Every transition is a conditional UPDATE; losing a race is a no-op.
type PaymentSessionService struct {
	sessionRepo PaymentSessionStore
	seatRepo    SeatStore
	bookingRepo BookingStore
	taskRepo    TaskStore
	auditRepo   AuditStore
	gateway     PaymentGateway
	rateLimiter PaymentRateLimiter
	finalizer   Finalizer
	notifier    Notifier
	phone       *validator.PhoneValidator
	config      PaymentSessionConfig
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPaymentSessionService creates a new payment session service
func NewPaymentSessionService(
	sessionRepo PaymentSessionStore,
	seatRepo SeatStore,
	bookingRepo BookingStore,
	taskRepo TaskStore,
	auditRepo AuditStore,
	gateway PaymentGateway,
	rateLimiter PaymentRateLimiter,
	finalizer Finalizer,
	notifier Notifier,
	cfg PaymentSessionConfig,
	logger *logrus.Logger,
) *PaymentSessionService {
	return &PaymentSessionService{
		sessionRepo: sessionRepo,
		seatRepo:    seatRepo,
		bookingRepo: bookingRepo,
		taskRepo:    taskRepo,
		auditRepo:   auditRepo,
		gateway:     gateway,
		rateLimiter: rateLimiter,
		finalizer:   finalizer,
		notifier:    notifier,
		phone:       validator.NewPhoneValidator(),
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// ============================================================================
// INITIATE
// ============================================================================

// InitiatePayment opens a payment session for the seat the user holds and
// sends the STK push.
//
// A rejected push fails the session, releases the lock and returns an
// UpstreamError. A push whose outcome is unknown (timeout, transport error,
// provider 5xx) leaves the session pending for the reconciler and returns it
// without error. An accepted push that cannot be recorded returns the storage
// error; its receipt rides on the verify task.
func (s *PaymentSessionService) InitiatePayment(ctx context.Context, userID uuid.UUID, phone string, meta models.RequestMeta) (*models.PaymentSession, error) {
	normalized, err := s.phone.Validate(phone)
	if err != nil {
		return nil, domain.ValidationError{Field: "phone_number", Msg: err.Error(), Err: err}
	}

	if err := s.rateLimiter.CheckPaymentRateLimit(ctx, normalized, userID); err != nil {
		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			s.logger.WithFields(logrus.Fields{
				"user_id":     userID,
				"phone":       validator.Mask(normalized),
				"limit_type":  rateErr.Type,
				"retry_after": rateErr.RetryAfter,
			}).Warn("Payment rate limit exceeded")
			return nil, rateErr.AsConflict()
		}
		return nil, err
	}

	lock, err := s.seatRepo.GetUserLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, domain.ValidationError{Field: "seat", Msg: "no valid seat lock; choose a seat first"}
	}

	active, err := s.sessionRepo.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, duplicatePayment(nil)
	}

	now := s.now()
	session := &models.PaymentSession{
		UserID:      userID,
		TripID:      lock.TripID,
		SeatNumber:  lock.SeatNumber,
		Amount:      lock.BaseFare,
		PhoneNumber: normalized,
		ExpiresAt:   now.Add(s.config.SessionTTL),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		if database.ViolatedConstraint(err) == database.ConstraintActiveSession {
			return nil, duplicatePayment(err)
		}
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"payment_id":  session.ID,
		"user_id":     userID,
		"trip_id":     session.TripID,
		"seat_number": session.SeatNumber,
		"amount":      session.Amount,
		"phone":       validator.Mask(normalized),
	})
	log.Info("Payment session created")

	// The seat must stay held for as long as the customer may still pay
	extended, err := s.seatRepo.ExtendLock(ctx, session.TripID, session.SeatNumber, userID, session.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if !extended {
		desc := "seat lock expired before payment started"
		if _, err := s.sessionRepo.MarkFailed(ctx, session.ID, nil, desc); err != nil {
			return nil, err
		}
		return nil, domain.ValidationError{Field: "seat", Msg: "seat lock expired; choose a seat again"}
	}

	if err := s.rateLimiter.RecordPaymentRequest(ctx, normalized, userID); err != nil {
		log.WithError(err).Warn("Failed to record payment rate limit")
	}

	request := models.NewPaymentAudit(models.PaymentEventSTKPushRequest, models.PaymentSourceBackend).
		SetSession(session.ID).
		SetPaymentStatus(models.PaymentStatusPending).
		SetRequestPayload(map[string]interface{}{
			"amount":            session.Amount,
			"phone":             validator.Mask(normalized),
			"account_reference": session.ID.String(),
		})
	s.audit(ctx, request, meta)

	receipt, pushErr := s.gateway.InitiatePush(ctx, normalized, session.Amount, session.ID.String())

	// The customer may already have the prompt; what follows must not be
	// abandoned because the rider's connection dropped
	ctx = context.WithoutCancel(ctx)
	if pushErr != nil {
		return s.handlePushError(ctx, session, pushErr, meta, log)
	}

	pushed, err := s.sessionRepo.MarkSTKPushed(ctx, session.ID, receipt.CheckoutRequestID, receipt.MerchantRequestID, receipt.Description)
	if err != nil {
		log.WithError(err).WithField("checkout_request_id", receipt.CheckoutRequestID).
			Error("STK push accepted but not recorded, verification will attach it")
		msg := fmt.Sprintf("stk push accepted as %s but not recorded: %v", receipt.CheckoutRequestID, err)
		if appendErr := s.sessionRepo.AppendError(ctx, session.ID, msg); appendErr != nil {
			log.WithError(appendErr).Warn("Failed to append payment error")
		}
		s.enqueueVerify(ctx, session.ID, now.Add(s.config.VerifyDelay), receipt)
		return nil, err
	}

	response := models.NewPaymentAudit(models.PaymentEventSTKPushResponse, models.PaymentSourceGateway).
		SetSession(session.ID).
		SetCheckout(receipt.CheckoutRequestID).
		SetPaymentStatus(models.PaymentStatusSTKPushed).
		SetResponsePayload(map[string]interface{}{
			"merchant_request_id": receipt.MerchantRequestID,
			"description":         receipt.Description,
		})
	s.audit(ctx, response, meta)

	if !pushed {
		// Cancelled or expired while the push was in flight
		return s.reload(ctx, session.ID)
	}

	paymentTransitions.WithLabelValues(string(models.PaymentStatusSTKPushed)).Inc()
	s.enqueueVerify(ctx, session.ID, now.Add(s.config.VerifyDelay), nil)

	session.Status = models.PaymentStatusSTKPushed
	session.CheckoutRequestID = &receipt.CheckoutRequestID
	session.MerchantRequestID = &receipt.MerchantRequestID
	session.ProviderResponse = &receipt.Description
	log.WithField("checkout_request_id", receipt.CheckoutRequestID).Info("STK push sent")
	return session, nil
}

func (s *PaymentSessionService) handlePushError(ctx context.Context, session *models.PaymentSession, pushErr error, meta models.RequestMeta, log *logrus.Entry) (*models.PaymentSession, error) {
	audit := models.NewPaymentAudit(models.PaymentEventSTKPushResponse, models.PaymentSourceGateway).
		SetSession(session.ID).
		SetError(pushErr.Error())
	if status := pushStatusCode(pushErr); status != 0 {
		audit.SetHTTPStatus(status)
	}

	var rejected *PushRejectedError
	if errors.As(pushErr, &rejected) {
		log.WithError(pushErr).Warn("STK push rejected")
		audit.SetPaymentStatus(models.PaymentStatusFailed)
		s.audit(ctx, audit, meta)

		if err := s.sessionRepo.AppendError(ctx, session.ID, pushErr.Error()); err != nil {
			log.WithError(err).Warn("Failed to append payment error")
		}
		if _, err := s.failSession(ctx, session, nil, rejected.Message); err != nil {
			return nil, err
		}
		return nil, domain.UpstreamError{Service: "mpesa", Msg: rejected.Message, Err: pushErr}
	}

	// Outcome unknown: the customer may still receive the prompt
	log.WithError(pushErr).Error("STK push outcome unknown, leaving session pending")
	audit.SetPaymentStatus(models.PaymentStatusPending)
	s.audit(ctx, audit, meta)

	if err := s.sessionRepo.AppendError(ctx, session.ID, pushErr.Error()); err != nil {
		log.WithError(err).Warn("Failed to append payment error")
	}
	s.enqueueVerify(ctx, session.ID, s.now().Add(s.config.VerifyDelay), nil)

	session.ErrorLog = append(session.ErrorLog, models.ErrorEntry{Message: pushErr.Error(), Timestamp: s.now()})
	return session, nil
}

// pushStatusCode is the HTTP status Daraja answered a failed push with, or 0
// when the request never got a response
func pushStatusCode(err error) int {
	var rejected *PushRejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode
	}
	var apiErr *mpesa.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func duplicatePayment(cause error) error {
	return domain.ConflictError{
		Resource: "payment",
		Code:     domain.CodeDuplicatePayment,
		Msg:      "a payment for your seat is already in progress",
		Err:      cause,
	}
}

// ============================================================================
// PROVIDER RESULTS
// ============================================================================

// ApplyCallback applies a provider callback body. Duplicate and stale
// callbacks are audited and ignored. A body that cannot be parsed is audited
// and dropped; an unknown checkout reference returns ErrUnknownCheckout so
// the task is retried.
func (s *PaymentSessionService) ApplyCallback(ctx context.Context, body []byte, meta models.RequestMeta) error {
	result, err := s.gateway.ParseCallback(body)
	if err != nil {
		s.logger.WithError(err).Warn("Discarding unparseable payment callback")
		audit := models.NewPaymentAudit(models.PaymentEventCallbackRejected, models.PaymentSourceCallback).
			SetRawBody(string(body)).
			SetError(err.Error())
		s.audit(ctx, audit, meta)
		return nil
	}

	session, err := s.sessionRepo.GetByCheckoutRequestID(ctx, result.CheckoutRequestID)
	if err != nil {
		return err
	}

	audit := models.NewPaymentAudit(models.PaymentEventCallbackReceived, models.PaymentSourceCallback).
		SetCheckout(result.CheckoutRequestID).
		SetResultCode(result.ResultCode).
		SetRawBody(string(body))

	if session == nil {
		audit.SetError("unknown checkout reference")
		s.audit(ctx, audit, meta)
		return fmt.Errorf("%w: %s", ErrUnknownCheckout, result.CheckoutRequestID)
	}

	audit.SetSession(session.ID).SetPaymentStatus(session.Status)
	if session.Status.IsTerminal() {
		audit.MarkAsDuplicate()
	}
	if result.Amount != nil && !audit.SetAmounts(session.Amount, *result.Amount) {
		s.logger.WithFields(logrus.Fields{
			"payment_id": session.ID,
			"expected":   session.Amount,
			"received":   *result.Amount,
		}).Warn("Payment amount mismatch")
		mismatch := models.NewPaymentAudit(models.PaymentEventAmountMismatch, models.PaymentSourceCallback).
			SetSession(session.ID).
			SetCheckout(result.CheckoutRequestID)
		mismatch.SetAmounts(session.Amount, *result.Amount)
		s.audit(ctx, mismatch, meta)
	}
	s.audit(ctx, audit, meta)

	_, err = s.applyResult(ctx, session, result)
	return err
}

// PollProviderStatus asks the provider for the session's result and applies
// it. Sessions without a checkout reference cannot be queried and are
// returned unchanged.
func (s *PaymentSessionService) PollProviderStatus(ctx context.Context, paymentID uuid.UUID) (models.PaymentStatus, error) {
	session, err := s.sessionRepo.GetByID(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", domain.NotFoundError{Resource: "payment"}
	}
	return s.poll(ctx, session)
}

func (s *PaymentSessionService) poll(ctx context.Context, session *models.PaymentSession) (models.PaymentStatus, error) {
	if session.Status.IsTerminal() || session.Checkout() == "" {
		return session.Status, nil
	}

	if err := s.sessionRepo.IncrementVerificationAttempts(ctx, session.ID); err != nil {
		return session.Status, err
	}

	result, err := s.gateway.QueryStatus(ctx, session.Checkout())
	audit := models.NewPaymentAudit(models.PaymentEventStatusQuery, models.PaymentSourceGateway).
		SetSession(session.ID).
		SetCheckout(session.Checkout()).
		SetPaymentStatus(session.Status)
	if err != nil {
		audit.SetError(err.Error())
		s.audit(ctx, audit, models.RequestMeta{})
		return session.Status, domain.UpstreamError{Service: "mpesa", Msg: "status query failed", Err: err}
	}
	audit.SetResultCode(result.ResultCode).
		SetResponsePayload(map[string]interface{}{
			"outcome":     string(result.Outcome),
			"description": result.Description,
		})
	s.audit(ctx, audit, models.RequestMeta{})

	return s.applyResult(ctx, session, result)
}

// applyResult moves the session according to a provider result and returns
// the resulting status
func (s *PaymentSessionService) applyResult(ctx context.Context, session *models.PaymentSession, result *models.ProviderResult) (models.PaymentStatus, error) {
	log := s.logger.WithFields(logrus.Fields{
		"payment_id":          session.ID,
		"checkout_request_id": result.CheckoutRequestID,
		"result_code":         result.ResultCode,
		"outcome":             result.Outcome,
	})

	if session.Status.IsTerminal() {
		log.WithField("status", session.Status).Debug("Ignoring result for settled payment")
		s.flagLateSuccess(ctx, session, result)
		return session.Status, nil
	}

	switch result.Outcome {
	case models.ProviderOutcomeSuccess:
		moved, err := s.sessionRepo.MarkCompleted(ctx, session.ID, result)
		if err != nil {
			return session.Status, err
		}
		current, err := s.reload(ctx, session.ID)
		if err != nil {
			return session.Status, err
		}
		if !moved {
			// Expired or cancelled while the result was in flight
			s.flagLateSuccess(ctx, current, result)
			return current.Status, nil
		}

		paymentTransitions.WithLabelValues(string(models.PaymentStatusCompleted)).Inc()
		log.WithField("receipt_number", result.ReceiptNumber).Info("Payment completed")

		if _, err := s.finalizer.Finalize(ctx, current); err != nil {
			if domain.IsIntegrity(err) {
				return models.PaymentStatusRefundRequired, nil
			}
			// Left completed; the orphan sweep finalizes it later
			return current.Status, err
		}
		return current.Status, nil

	case models.ProviderOutcomeFailed:
		code := result.ResultCode
		return s.failSession(ctx, session, &code, result.Description)

	default:
		if session.Status != models.PaymentStatusSTKPushed {
			return session.Status, nil
		}
		moved, err := s.sessionRepo.MarkProcessing(ctx, session.ID, result.ResultCode, result.Description)
		if err != nil {
			return session.Status, err
		}
		if !moved {
			current, err := s.reload(ctx, session.ID)
			if err != nil {
				return session.Status, err
			}
			return current.Status, nil
		}
		paymentTransitions.WithLabelValues(string(models.PaymentStatusProcessing)).Inc()
		return models.PaymentStatusProcessing, nil
	}
}

// flagLateSuccess alerts operators when the provider reports money taken for
// a session that already closed without a booking. The session itself is
// never reopened.
func (s *PaymentSessionService) flagLateSuccess(ctx context.Context, session *models.PaymentSession, result *models.ProviderResult) {
	if result.Outcome != models.ProviderOutcomeSuccess {
		return
	}
	switch session.Status {
	case models.PaymentStatusExpired, models.PaymentStatusCancelled, models.PaymentStatusFailed:
	default:
		return
	}

	reason := fmt.Sprintf("payment succeeded after session was %s", session.Status)
	s.raiseRefundAlert(ctx, &session.ID, session.Amount, result, reason)
}

// raiseRefundAlert records money the provider took that no booking will
// match. sessionID is nil when the checkout reference was never matched.
func (s *PaymentSessionService) raiseRefundAlert(ctx context.Context, sessionID *uuid.UUID, expected float64, result *models.ProviderResult, reason string) {
	refundsRequired.Inc()

	fields := logrus.Fields{
		"checkout_request_id": result.CheckoutRequestID,
		"receipt_number":      result.ReceiptNumber,
		"reason":              reason,
	}
	payload := map[string]interface{}{
		"checkout_request_id": result.CheckoutRequestID,
		"receipt_number":      result.ReceiptNumber,
		"reason":              reason,
	}
	audit := models.NewPaymentAudit(models.PaymentEventRefundRequired, models.PaymentSourceCallback).
		SetCheckout(result.CheckoutRequestID).
		SetResultCode(result.ResultCode).
		SetError(reason).
		SetResponsePayload(payload)
	if sessionID != nil {
		fields["payment_id"] = *sessionID
		payload["payment_id"] = *sessionID
		audit.SetSession(*sessionID)
	}
	if result.Amount != nil {
		payload["amount"] = *result.Amount
		if expected > 0 {
			audit.SetAmounts(expected, *result.Amount)
		}
	}

	s.logger.WithFields(fields).Error("CRITICAL: payment received without a booking, refund required")
	s.audit(ctx, audit, models.RequestMeta{})
	publish(ctx, s.notifier, s.logger, RoomOperators, EventRefundRequired, payload)
}

// FlagUnmatchedCallback is called once a callback has been retried for as
// long as the queue allows without its checkout reference ever matching a
// session. A success outcome is raised to operators.
func (s *PaymentSessionService) FlagUnmatchedCallback(ctx context.Context, body []byte) {
	result, err := s.gateway.ParseCallback(body)
	if err != nil || result.Outcome != models.ProviderOutcomeSuccess {
		return
	}
	s.raiseRefundAlert(ctx, nil, 0, result, "payment succeeded for an unknown checkout reference")
}

// AttachCheckout records a push receipt that InitiatePayment could not store.
// Only a session still pending is moved.
func (s *PaymentSessionService) AttachCheckout(ctx context.Context, paymentID uuid.UUID, checkoutRequestID, merchantRequestID string) error {
	moved, err := s.sessionRepo.MarkSTKPushed(ctx, paymentID, checkoutRequestID, merchantRequestID, "recorded by verification")
	if err != nil {
		return err
	}
	if moved {
		paymentTransitions.WithLabelValues(string(models.PaymentStatusSTKPushed)).Inc()
		audit := models.NewPaymentAudit(models.PaymentEventTransition, models.PaymentSourceScheduler).
			SetSession(paymentID).
			SetCheckout(checkoutRequestID).
			SetPaymentStatus(models.PaymentStatusSTKPushed)
		s.audit(ctx, audit, models.RequestMeta{})
		s.logger.WithFields(logrus.Fields{
			"payment_id":          paymentID,
			"checkout_request_id": checkoutRequestID,
		}).Warn("[RECONCILE] Attached unrecorded checkout reference")
	}
	return nil
}

// failSession moves a non-terminal session to failed, frees the seat and
// tells the rider
func (s *PaymentSessionService) failSession(ctx context.Context, session *models.PaymentSession, code *int, description string) (models.PaymentStatus, error) {
	moved, err := s.sessionRepo.MarkFailed(ctx, session.ID, code, description)
	if err != nil {
		return session.Status, err
	}
	if !moved {
		current, err := s.reload(ctx, session.ID)
		if err != nil {
			return session.Status, err
		}
		return current.Status, nil
	}

	session.Status = models.PaymentStatusFailed
	paymentTransitions.WithLabelValues(string(models.PaymentStatusFailed)).Inc()
	s.releaseSeat(ctx, session)

	s.logger.WithFields(logrus.Fields{
		"payment_id":  session.ID,
		"description": description,
	}).Info("Payment failed")

	publish(ctx, s.notifier, s.logger, UserRoom(session.UserID), EventPaymentFailed, map[string]interface{}{
		"payment_id":  session.ID,
		"trip_id":     session.TripID,
		"seat_number": session.SeatNumber,
		"status":      models.PaymentStatusFailed,
		"reason":      description,
	})
	return models.PaymentStatusFailed, nil
}

// ============================================================================
// RIDER OPERATIONS
// ============================================================================

// CheckStatus returns the session view for its owner. Sessions belonging to
// someone else are reported as not found.
func (s *PaymentSessionService) CheckStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSessionView, error) {
	session, err := s.ownedSession(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, session)
}

// RefreshStatus polls the provider before answering, for riders waiting on
// the payment screen
func (s *PaymentSessionService) RefreshStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSessionView, error) {
	session, err := s.ownedSession(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.poll(ctx, session); err != nil && !domain.IsUpstream(err) {
		return nil, err
	}
	return s.CheckStatus(ctx, paymentID, userID)
}

// CancelPayment abandons a session that has not reached the provider's
// processing stage and frees the seat
func (s *PaymentSessionService) CancelPayment(ctx context.Context, paymentID, userID uuid.UUID, meta models.RequestMeta) (*models.PaymentSessionView, error) {
	session, err := s.ownedSession(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}

	moved, err := s.sessionRepo.MarkCancelled(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, domain.ConflictError{
			Resource: "payment",
			Code:     domain.CodeInvalidState,
			Msg:      "payment can no longer be cancelled",
		}
	}

	session.Status = models.PaymentStatusCancelled
	paymentTransitions.WithLabelValues(string(models.PaymentStatusCancelled)).Inc()
	s.releaseSeat(ctx, session)

	audit := models.NewPaymentAudit(models.PaymentEventTransition, models.PaymentSourceUser).
		SetSession(session.ID).
		SetCheckout(session.Checkout()).
		SetPaymentStatus(models.PaymentStatusCancelled)
	s.audit(ctx, audit, meta)

	s.logger.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"user_id":    userID,
	}).Info("Payment cancelled by user")
	return session.ToView(), nil
}

// ListUserPayments lists a rider's sessions, newest first
func (s *PaymentSessionService) ListUserPayments(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.PaymentSessionView, error) {
	if limit <= 0 {
		limit = defaultPaymentPage
	}
	if limit > maxPaymentPage {
		limit = maxPaymentPage
	}
	if offset < 0 {
		offset = 0
	}

	sessions, err := s.sessionRepo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	views := make([]*models.PaymentSessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, sessions[i].ToView())
	}
	return views, nil
}

// GetAuditTrail returns the audit log of one session for operators
func (s *PaymentSessionService) GetAuditTrail(ctx context.Context, paymentID uuid.UUID) ([]*models.PaymentAudit, error) {
	session, err := s.sessionRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.NotFoundError{Resource: "payment"}
	}
	return s.auditRepo.GetBySessionID(ctx, paymentID)
}

// ============================================================================
// RECONCILIATION
// ============================================================================

// ExpireStaleSessions resolves non-terminal sessions past expires_at. Each
// gets one last provider query; whatever is still unresolved expires and its
// seat is freed.
func (s *PaymentSessionService) ExpireStaleSessions(ctx context.Context, limit int) (int, error) {
	sessions, err := s.sessionRepo.ListExpiredNonTerminal(ctx, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range sessions {
		session := &sessions[i]
		log := s.logger.WithField("payment_id", session.ID)

		status, err := s.poll(ctx, session)
		if err != nil {
			log.WithError(err).Warn("[RECONCILE] Final status query failed")
		}
		if status.IsTerminal() {
			continue
		}

		moved, err := s.sessionRepo.MarkExpired(ctx, session.ID)
		if err != nil {
			log.WithError(err).Error("[RECONCILE] Failed to expire payment")
			continue
		}
		if !moved {
			continue
		}

		expired++
		session.Status = models.PaymentStatusExpired
		paymentTransitions.WithLabelValues(string(models.PaymentStatusExpired)).Inc()
		s.releaseSeat(ctx, session)

		audit := models.NewPaymentAudit(models.PaymentEventTransition, models.PaymentSourceScheduler).
			SetSession(session.ID).
			SetCheckout(session.Checkout()).
			SetPaymentStatus(models.PaymentStatusExpired)
		s.audit(ctx, audit, models.RequestMeta{})

		publish(ctx, s.notifier, s.logger, UserRoom(session.UserID), EventPaymentFailed, map[string]interface{}{
			"payment_id":  session.ID,
			"trip_id":     session.TripID,
			"seat_number": session.SeatNumber,
			"status":      models.PaymentStatusExpired,
			"reason":      "payment was not completed in time",
		})
		log.Info("[RECONCILE] Payment expired")
	}
	return expired, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *PaymentSessionService) ownedSession(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, domain.NotFoundError{Resource: "payment"}
	}
	return session, nil
}

func (s *PaymentSessionService) view(ctx context.Context, session *models.PaymentSession) (*models.PaymentSessionView, error) {
	view := session.ToView()
	if session.Status == models.PaymentStatusCompleted {
		booking, err := s.bookingRepo.GetByPaymentSessionID(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if booking != nil {
			view.BookingID = &booking.ID
		}
	}
	return view, nil
}

func (s *PaymentSessionService) reload(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.NotFoundError{Resource: "payment"}
	}
	return session, nil
}

// releaseSeat frees the session's seat if the rider still holds it
func (s *PaymentSessionService) releaseSeat(ctx context.Context, session *models.PaymentSession) {
	released, err := s.seatRepo.ReleaseLock(ctx, session.TripID, session.SeatNumber, session.UserID)
	if err != nil {
		// The lock expires on its own; the sweep clears it
		s.logger.WithError(err).WithField("payment_id", session.ID).Warn("Failed to release seat lock")
		return
	}
	if released {
		publish(ctx, s.notifier, s.logger, TripRoom(session.TripID), EventSeatUpdate, map[string]interface{}{
			"trip_id":     session.TripID,
			"seat_number": session.SeatNumber,
			"state":       models.SeatStateFree,
		})
	}
}

// enqueueVerify schedules a status query. An unrecorded receipt travels in
// the payload so the worker can attach it before querying.
func (s *PaymentSessionService) enqueueVerify(ctx context.Context, sessionID uuid.UUID, runAt time.Time, unrecorded *PushReceipt) {
	var payload models.JSONB
	if unrecorded != nil {
		payload = models.JSONB{
			"checkout_request_id": unrecorded.CheckoutRequestID,
			"merchant_request_id": unrecorded.MerchantRequestID,
		}
	}
	task := models.NewReconciliationTask(models.TaskVerifyPayment, &sessionID, payload, runAt, s.config.TaskMaxAttempt)
	if err := s.taskRepo.Enqueue(ctx, task); err != nil {
		// The payment sweep still resolves the session at expiry
		s.logger.WithError(err).WithField("payment_id", sessionID).Error("Failed to enqueue payment verification")
	}
}

func (s *PaymentSessionService) audit(ctx context.Context, audit *models.PaymentAudit, meta models.RequestMeta) {
	if meta.IPAddress != "" || meta.UserAgent != "" || meta.CorrelationID != "" {
		device := utils.ParseUserAgent(meta.UserAgent)
		audit.SetMetadata(meta.IPAddress, meta.UserAgent, device.DeviceType, meta.CorrelationID)
	}
	// Log already reports failures; an audit gap never blocks a payment
	_ = s.auditRepo.Log(ctx, audit)
}
