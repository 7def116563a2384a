package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// BookingLedger is satisfied by *services.BookingFinalizer
type BookingLedger interface {
	ListUserBookings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BookingWithTrip, error)
	VerifyBooking(ctx context.Context, bookingID uuid.UUID) (*models.BookingVerification, error)
	ListTripBookings(ctx context.Context, tripID uuid.UUID) ([]models.Booking, error)
	CancelBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error)
}

// BookingHandler handles booking endpoints
type BookingHandler struct {
	bookings BookingLedger
	logger   *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(bookings BookingLedger, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		logger:   logger,
	}
}

// ListMyBookings lists the caller's bookings, newest first
// GET /api/v1/bookings?limit=&offset=
func (h *BookingHandler) ListMyBookings(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	limit, offset := pagination(c)

	bookings, err := h.bookings.ListUserBookings(c.Request.Context(), userCtx.UserID, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"count":    len(bookings),
	})
}

// VerifyBooking answers whether a ticket (usually scanned from a QR code)
// is a genuine confirmed booking
// GET /api/v1/bookings/verify?booking_id=
func (h *BookingHandler) VerifyBooking(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Query("booking_id"))
	if err != nil {
		badRequest(c, "booking_id", "Invalid booking_id")
		return
	}

	verification, err := h.bookings.VerifyBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, verification)
}

// ListTripBookings lists every booking on a trip (manifest)
// GET /api/v1/admin/trips/:id/bookings
func (h *BookingHandler) ListTripBookings(c *gin.Context) {
	tripID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	bookings, err := h.bookings.ListTripBookings(c.Request.Context(), tripID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trip_id":  tripID,
		"bookings": bookings,
		"count":    len(bookings),
	})
}

// CancelBooking cancels a confirmed booking and frees its seat
// POST /api/v1/admin/bookings/:id/cancel
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.bookings.CancelBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	userCtx, _ := middleware.GetUserContext(c)
	h.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"admin_id":   userCtx.UserID,
	}).Info("Booking cancelled by operator")

	c.JSON(http.StatusOK, booking)
}
