package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

const (
	defaultBookingPage = 20
	maxBookingPage     = 100
)

// BookingFinalizer turns completed payment sessions into bookings
type BookingFinalizer struct {
	bookingRepo BookingStore
	tripRepo    TripStore
	sessionRepo PaymentSessionStore
	auditRepo   AuditStore
	notifier    Notifier
	logger      *logrus.Logger
}

// NewBookingFinalizer creates a new booking finalizer
func NewBookingFinalizer(
	bookingRepo BookingStore,
	tripRepo TripStore,
	sessionRepo PaymentSessionStore,
	auditRepo AuditStore,
	notifier Notifier,
	logger *logrus.Logger,
) *BookingFinalizer {
	return &BookingFinalizer{
		bookingRepo: bookingRepo,
		tripRepo:    tripRepo,
		sessionRepo: sessionRepo,
		auditRepo:   auditRepo,
		notifier:    notifier,
		logger:      logger,
	}
}

// ============================================================================
// FINALIZE
// ============================================================================

// Finalize books the session's seat. Calling it again for a session that
// already has a confirmed booking returns that booking unchanged.
//
// When the seat cannot be booked the session moves to refund_required and an
// IntegrityError is returned; the money has been taken so an operator must
// act. Notifications go out only after the booking is committed.
func (f *BookingFinalizer) Finalize(ctx context.Context, session *models.PaymentSession) (*models.Booking, error) {
	existing, err := f.bookingRepo.GetByPaymentSessionID(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if session.Status != models.PaymentStatusCompleted {
		return nil, domain.ConflictError{
			Resource: "payment",
			Code:     domain.CodeInvalidState,
			Msg:      fmt.Sprintf("cannot book a %s payment", session.Status),
		}
	}

	log := f.logger.WithFields(logrus.Fields{
		"payment_id":  session.ID,
		"trip_id":     session.TripID,
		"seat_number": session.SeatNumber,
		"user_id":     session.UserID,
	})

	trip, err := f.tripRepo.GetByID(ctx, session.TripID)
	if err != nil {
		// Paid with no booking until the orphan sweep retries it
		log.WithError(err).Error("CRITICAL: trip lookup failed after payment")
		return nil, err
	}
	if trip == nil {
		return nil, f.requireRefund(ctx, session, "trip no longer exists", nil)
	}
	if trip.Status == models.TripStatusCancelled {
		return nil, f.requireRefund(ctx, session, "trip was cancelled", nil)
	}

	booking := &models.Booking{
		TripID:           session.TripID,
		SeatNumber:       session.SeatNumber,
		UserID:           session.UserID,
		RouteID:          trip.RouteID,
		PaymentSessionID: session.ID,
		PaymentReference: session.ReceiptNumber,
		Fare:             session.Amount,
		TravelDate:       trip.DepartureTime,
	}

	if err := f.bookingRepo.Finalize(ctx, booking); err != nil {
		if database.ViolatedConstraint(err) == database.ConstraintBookingSession {
			// Lost a race with another finalizer for the same session
			if existing, lookupErr := f.bookingRepo.GetByPaymentSessionID(ctx, session.ID); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}

		reason := "booking could not be written"
		switch {
		case errors.Is(err, database.ErrSeatNotBookable):
			reason = "seat was taken before the booking was written"
		case database.IsUniqueViolation(err):
			reason = fmt.Sprintf("booking rejected by %s", database.ViolatedConstraint(err))
		}
		log.WithError(err).Error("Booking failed after payment")
		return nil, f.requireRefund(ctx, session, reason, err)
	}

	bookingsConfirmed.Inc()
	log.WithFields(logrus.Fields{
		"booking_id":        booking.ID,
		"payment_reference": session.ReceiptNumber,
	}).Info("Booking confirmed")

	audit := models.NewPaymentAudit(models.PaymentEventBookingConfirmed, models.PaymentSourceBackend).
		SetSession(session.ID).
		SetCheckout(session.Checkout()).
		SetPaymentStatus(models.PaymentStatusCompleted).
		SetResponsePayload(map[string]interface{}{"booking_id": booking.ID.String()})
	_ = f.auditRepo.Log(ctx, audit)

	publish(ctx, f.notifier, f.logger, UserRoom(session.UserID), EventBookingConfirmed, map[string]interface{}{
		"booking_id":        booking.ID,
		"trip_id":           booking.TripID,
		"seat_number":       booking.SeatNumber,
		"payment_reference": booking.PaymentReference,
	})
	publish(ctx, f.notifier, f.logger, TripRoom(session.TripID), EventSeatUpdate, map[string]interface{}{
		"trip_id":     booking.TripID,
		"seat_number": booking.SeatNumber,
		"state":       models.SeatStateBooked,
	})

	return booking, nil
}

// requireRefund moves a completed session to refund_required and alerts
// operators. It always returns an IntegrityError describing reason.
func (f *BookingFinalizer) requireRefund(ctx context.Context, session *models.PaymentSession, reason string, cause error) error {
	moved, err := f.sessionRepo.MarkRefundRequired(ctx, session.ID, reason)
	if err != nil {
		// The orphan sweep retries sessions left in completed
		f.logger.WithError(err).WithField("payment_id", session.ID).Error("CRITICAL: failed to flag payment for refund")
		return fmt.Errorf("failed to flag payment for refund: %w", err)
	}

	if moved {
		session.Status = models.PaymentStatusRefundRequired
		refundsRequired.Inc()
		paymentTransitions.WithLabelValues(string(models.PaymentStatusRefundRequired)).Inc()

		audit := models.NewPaymentAudit(models.PaymentEventRefundRequired, models.PaymentSourceBackend).
			SetSession(session.ID).
			SetCheckout(session.Checkout()).
			SetPaymentStatus(models.PaymentStatusRefundRequired).
			SetError(reason)
		_ = f.auditRepo.Log(ctx, audit)

		publish(ctx, f.notifier, f.logger, RoomOperators, EventRefundRequired, map[string]interface{}{
			"payment_id":     session.ID,
			"user_id":        session.UserID,
			"trip_id":        session.TripID,
			"seat_number":    session.SeatNumber,
			"amount":         session.Amount,
			"receipt_number": session.ReceiptNumber,
			"reason":         reason,
		})
	}

	return domain.IntegrityError{Msg: reason, Err: cause}
}

// RecoverOrphans re-runs completed sessions that never produced a booking,
// e.g. after a crash between the provider callback and finalization
func (f *BookingFinalizer) RecoverOrphans(ctx context.Context, grace time.Duration, limit int) (int, error) {
	sessions, err := f.sessionRepo.ListCompletedWithoutBooking(ctx, time.Now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range sessions {
		if _, err := f.Finalize(ctx, &sessions[i]); err != nil {
			f.logger.WithError(err).WithField("payment_id", sessions[i].ID).Warn("[RECONCILE] Orphaned payment not booked")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// ============================================================================
// BOOKING QUERIES
// ============================================================================

// ListUserBookings lists a rider's bookings, newest first
func (f *BookingFinalizer) ListUserBookings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BookingWithTrip, error) {
	if limit <= 0 {
		limit = defaultBookingPage
	}
	if limit > maxBookingPage {
		limit = maxBookingPage
	}
	if offset < 0 {
		offset = 0
	}
	return f.bookingRepo.ListByUser(ctx, userID, limit, offset)
}

// VerifyBooking answers whether a booking id (from a ticket QR code) is genuine
func (f *BookingFinalizer) VerifyBooking(ctx context.Context, bookingID uuid.UUID) (*models.BookingVerification, error) {
	booking, err := f.bookingRepo.GetWithTrip(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, domain.NotFoundError{Resource: "booking"}
	}

	return &models.BookingVerification{
		Valid:              booking.IsConfirmed(),
		BookingID:          booking.ID,
		Status:             booking.Status,
		SeatNumber:         booking.SeatNumber,
		RegistrationNumber: booking.RegistrationNumber,
		Origin:             booking.Origin,
		Destination:        booking.Destination,
		DepartureTime:      booking.DepartureTime,
		PaymentReference:   booking.PaymentReference,
	}, nil
}

// ListTripBookings lists every booking on a trip
func (f *BookingFinalizer) ListTripBookings(ctx context.Context, tripID uuid.UUID) ([]models.Booking, error) {
	trip, err := f.tripRepo.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, domain.NotFoundError{Resource: "trip"}
	}
	return f.bookingRepo.ListByTrip(ctx, tripID)
}

// CancelBooking cancels a confirmed booking and frees its seat
func (f *BookingFinalizer) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := f.bookingRepo.Cancel(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		existing, err := f.bookingRepo.GetWithTrip(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domain.NotFoundError{Resource: "booking"}
		}
		return nil, domain.ConflictError{Resource: "booking", Code: domain.CodeInvalidState, Msg: "booking is already cancelled"}
	}

	f.logger.WithFields(logrus.Fields{
		"booking_id":  booking.ID,
		"trip_id":     booking.TripID,
		"seat_number": booking.SeatNumber,
	}).Info("Booking cancelled")

	publish(ctx, f.notifier, f.logger, TripRoom(booking.TripID), EventSeatUpdate, map[string]interface{}{
		"trip_id":     booking.TripID,
		"seat_number": booking.SeatNumber,
		"state":       models.SeatStateFree,
	})
	return booking, nil
}
