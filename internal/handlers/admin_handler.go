package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/services"
)

// Reconciler is satisfied by *services.ReconciliationScheduler
type Reconciler interface {
	RunOnce(ctx context.Context) (*services.ReconcileReport, error)
	GetJobStatus(ctx context.Context) map[string]interface{}
}

// AuditTrail is satisfied by *services.PaymentSessionService
type AuditTrail interface {
	GetAuditTrail(ctx context.Context, paymentID uuid.UUID) ([]*models.PaymentAudit, error)
}

// AdminHandler handles operator endpoints for reconciliation and payment
// investigation
type AdminHandler struct {
	reconciler Reconciler
	audits     AuditTrail
	logger     *logrus.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(reconciler Reconciler, audits AuditTrail, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		reconciler: reconciler,
		audits:     audits,
		logger:     logger,
	}
}

// RunReconcile runs the lock, payment and orphan sweeps now
// POST /api/v1/admin/reconcile
func (h *AdminHandler) RunReconcile(c *gin.Context) {
	report, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"locks_released":    report.LocksReleased,
		"payments_expired":  report.PaymentsExpired,
		"orphans_recovered": report.OrphansRecovered,
		"duration_ms":       report.Duration.Milliseconds(),
	})
}

// GetReconcileStatus returns scheduled job runs and task queue depth
// GET /api/v1/admin/reconcile/status
func (h *AdminHandler) GetReconcileStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.reconciler.GetJobStatus(c.Request.Context()))
}

// GetPaymentAudit returns the audit trail of one payment session
// GET /api/v1/admin/payments/:id/audit
func (h *AdminHandler) GetPaymentAudit(c *gin.Context) {
	paymentID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	trail, err := h.audits.GetAuditTrail(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id": paymentID,
		"events":     trail,
		"count":      len(trail),
	})
}
