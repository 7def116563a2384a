package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

// CodeRefundRequired is returned when a paid seat could not be booked
const CodeRefundRequired = "refund_required"

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError maps a service error onto an HTTP status and logs server
// side failures
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	requestID := middleware.GetRequestID(c)

	var (
		validation domain.ValidationError
		notFound   domain.NotFoundError
		conflict   domain.ConflictError
		upstream   domain.UpstreamError
		integrity  domain.IntegrityError
		limited    *services.RateLimitError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "validation_error",
			Message:   validation.Error(),
			Field:     validation.Field,
			RequestID: requestID,
		})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "not_found",
			Message:   notFound.Error(),
			RequestID: requestID,
		})
	case errors.As(err, &conflict):
		status := http.StatusConflict
		if conflict.Code == domain.CodeRateLimited {
			status = http.StatusTooManyRequests
			if errors.As(err, &limited) && !limited.RetryAfter.IsZero() {
				seconds := int(time.Until(limited.RetryAfter).Seconds()) + 1
				if seconds > 0 {
					c.Header("Retry-After", strconv.Itoa(seconds))
				}
			}
		}
		c.JSON(status, ErrorResponse{
			Error:     "conflict",
			Message:   conflict.Error(),
			Code:      conflict.Code,
			RequestID: requestID,
		})
	case errors.As(err, &upstream):
		logger.WithError(err).WithField("request_id", requestID).Warn("Upstream failure")
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:     "upstream_error",
			Message:   "Payment provider unavailable, please try again",
			RequestID: requestID,
		})
	case errors.As(err, &integrity):
		logger.WithError(err).WithField("request_id", requestID).Error("Integrity violation")
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "integrity_error",
			Message:   "Payment received but the seat could not be booked; a refund will be issued",
			Code:      CodeRefundRequired,
			RequestID: requestID,
		})
	default:
		logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       c.FullPath(),
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal_error",
			Message:   "An internal error occurred",
			RequestID: requestID,
		})
	}
}

func badRequest(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "validation_error",
		Message:   message,
		Field:     field,
		RequestID: middleware.GetRequestID(c),
	})
}

// uuidParam parses a path parameter, answering 400 when malformed
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, name, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// seatParam parses the seat number path parameter
func seatParam(c *gin.Context) (int, bool) {
	seat, err := strconv.Atoi(c.Param("seat"))
	if err != nil || seat <= 0 {
		badRequest(c, "seat_number", "Seat number must be a positive integer")
		return 0, false
	}
	return seat, true
}

// pagination reads limit/offset query parameters; the services clamp them
func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// requestMeta collects the caller details kept on the payment audit trail
func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{
		IPAddress:     utils.GetRealIP(c),
		UserAgent:     utils.GetUserAgent(c),
		CorrelationID: middleware.GetRequestID(c),
	}
}
