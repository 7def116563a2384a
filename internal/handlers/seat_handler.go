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

// SeatLocker is satisfied by *services.SeatLockService
type SeatLocker interface {
	LockSeat(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (*models.LockResult, error)
	CheckSeatStatus(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (*models.SeatStatusResult, error)
	ReleaseLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (bool, error)
	CurrentLock(ctx context.Context, userID uuid.UUID) (*models.UserLock, error)
}

// SeatHandler handles seat status and lock endpoints
type SeatHandler struct {
	locks  SeatLocker
	logger *logrus.Logger
}

// NewSeatHandler creates a new SeatHandler
func NewSeatHandler(locks SeatLocker, logger *logrus.Logger) *SeatHandler {
	return &SeatHandler{
		locks:  locks,
		logger: logger,
	}
}

// GetSeatStatus reports a seat's state relative to the caller
// GET /api/v1/trips/:id/seats/:seat
func (h *SeatHandler) GetSeatStatus(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	tripID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	seat, ok := seatParam(c)
	if !ok {
		return
	}

	status, err := h.locks.CheckSeatStatus(c.Request.Context(), tripID, seat, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// LockSeat places a temporary hold on a seat for the caller. Any other seat
// the caller holds is released.
// POST /api/v1/trips/:id/seats/:seat/lock
func (h *SeatHandler) LockSeat(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	tripID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	seat, ok := seatParam(c)
	if !ok {
		return
	}

	result, err := h.locks.LockSeat(c.Request.Context(), tripID, seat, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Seat locked",
		"lock":    result,
	})
}

// ReleaseLock drops the caller's hold on a seat
// DELETE /api/v1/trips/:id/seats/:seat/lock
func (h *SeatHandler) ReleaseLock(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	tripID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	seat, ok := seatParam(c)
	if !ok {
		return
	}

	released, err := h.locks.ReleaseLock(c.Request.Context(), tripID, seat, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !released {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "not_found",
			Message:   "You do not hold a lock on this seat",
			RequestID: middleware.GetRequestID(c),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Seat lock released"})
}

// GetCurrentLock returns the seat the caller currently holds, if any
// GET /api/v1/locks/current
func (h *SeatHandler) GetCurrentLock(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)

	lock, err := h.locks.CurrentLock(c.Request.Context(), userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if lock == nil {
		c.JSON(http.StatusOK, gin.H{"lock": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"lock": models.LockResult{
			TripID:     lock.TripID,
			SeatNumber: lock.SeatNumber,
			LockExpiry: lock.LockExpiry,
		},
		"amount": lock.BaseFare,
	})
}
