package handlers

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// maxCallbackBody bounds what the provider may post to the callback URL
const maxCallbackBody = 64 << 10

// PaymentManager is satisfied by *services.PaymentSessionService
type PaymentManager interface {
	InitiatePayment(ctx context.Context, userID uuid.UUID, phone string, meta models.RequestMeta) (*models.PaymentSession, error)
	CheckStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSessionView, error)
	RefreshStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSessionView, error)
	CancelPayment(ctx context.Context, paymentID, userID uuid.UUID, meta models.RequestMeta) (*models.PaymentSessionView, error)
	ListUserPayments(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.PaymentSessionView, error)
}

// CallbackQueue is satisfied by *services.TaskWorker
type CallbackQueue interface {
	EnqueueCallback(ctx context.Context, body []byte, meta models.RequestMeta, maxAttempts int) error
}

// PaymentHandler handles payment session endpoints and the provider callback
type PaymentHandler struct {
	payments      PaymentManager
	callbacks     CallbackQueue
	callbackToken string
	callbackTries int
	logger        *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler. An empty callbackToken
// accepts every callback (sandbox only; production config requires one).
func NewPaymentHandler(payments PaymentManager, callbacks CallbackQueue, callbackToken string, callbackTries int, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments:      payments,
		callbacks:     callbacks,
		callbackToken: callbackToken,
		callbackTries: callbackTries,
		logger:        logger,
	}
}

// ===========================================================================
// RIDER ENDPOINTS
// ===========================================================================

// InitiatePayment opens a payment session for the caller's locked seat and
// sends the STK push to their phone
// POST /api/v1/payments
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "phone_number", "phone_number is required")
		return
	}

	session, err := h.payments.InitiatePayment(c.Request.Context(), userCtx.UserID, req.PhoneNumber, requestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	view := session.ToView()
	if session.Status == models.PaymentStatusPending {
		// Push outcome unknown; the reconciler will settle it
		view.Message = "Payment request is being confirmed with M-Pesa"
		c.JSON(http.StatusAccepted, view)
		return
	}

	view.Message = "Check your phone and enter your M-Pesa PIN"
	c.JSON(http.StatusCreated, view)
}

// GetPayment returns the caller's payment session. refresh=true queries the
// provider first.
// GET /api/v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	paymentID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var (
		view *models.PaymentSessionView
		err  error
	)
	if c.Query("refresh") == "true" {
		view, err = h.payments.RefreshStatus(c.Request.Context(), paymentID, userCtx.UserID)
	} else {
		view, err = h.payments.CheckStatus(c.Request.Context(), paymentID, userCtx.UserID)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ListPayments lists the caller's payment sessions, newest first
// GET /api/v1/payments?limit=&offset=
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	limit, offset := pagination(c)

	payments, err := h.payments.ListUserPayments(c.Request.Context(), userCtx.UserID, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// CancelPayment abandons a payment the provider has not started processing
// POST /api/v1/payments/:id/cancel
func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)
	paymentID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	view, err := h.payments.CancelPayment(c.Request.Context(), paymentID, userCtx.UserID, requestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ===========================================================================
// PROVIDER CALLBACK
// ===========================================================================

// Callback receives the STK push result. The raw body is queued for the task
// worker and the provider is always acknowledged.
// POST /api/v1/payments/callback?token=
func (h *PaymentHandler) Callback(c *gin.Context) {
	meta := requestMeta(c)
	log := h.logger.WithFields(logrus.Fields{
		"request_id": meta.CorrelationID,
		"ip":         meta.IPAddress,
	})

	if h.callbackToken != "" &&
		subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.callbackToken)) != 1 {
		log.Warn("[CALLBACK] Rejected callback with invalid token")
		acknowledge(c)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil || len(body) == 0 {
		log.WithError(err).Warn("[CALLBACK] Empty or unreadable callback body")
		acknowledge(c)
		return
	}

	if err := h.callbacks.EnqueueCallback(c.Request.Context(), body, meta, h.callbackTries); err != nil {
		// The verify task scheduled at push time still settles the session
		log.WithError(err).Error("[CALLBACK] Failed to queue callback")
	}

	acknowledge(c)
}

func acknowledge(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}
