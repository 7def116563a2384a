package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/pkg/mpesa"
)

// PushReceipt is the gateway's acknowledgement of an accepted push
type PushReceipt struct {
	CheckoutRequestID string
	MerchantRequestID string
	Description       string
}

// PushRejectedError means the provider refused the push outright; no charge
// can follow it
type PushRejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *PushRejectedError) Error() string {
	return "payment request rejected: " + e.Message
}

// PaymentGateway is the single provider adapter. Provider quirks stay behind
// it; the payment state machine only sees models.ProviderResult.
type PaymentGateway interface {
	// InitiatePush returns *PushRejectedError when the provider refused the
	// request. Any other error leaves the outcome unknown.
	InitiatePush(ctx context.Context, phone string, amount float64, reference string) (*PushReceipt, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*models.ProviderResult, error)
	ParseCallback(body []byte) (*models.ProviderResult, error)
}

// MpesaGateway adapts pkg/mpesa to PaymentGateway
type MpesaGateway struct {
	client  *mpesa.Client
	timeout time.Duration
	logger  *logrus.Logger
}

// NewMpesaGateway builds the Daraja client from configuration
func NewMpesaGateway(cfg config.MpesaConfig, logger *logrus.Logger) *MpesaGateway {
	callbackURL := cfg.CallbackURL
	if callbackURL != "" && cfg.CallbackToken != "" {
		callbackURL += "?token=" + cfg.CallbackToken
	}

	client := mpesa.NewClient(mpesa.Config{
		BaseURL:         cfg.BaseURL,
		ConsumerKey:     cfg.ConsumerKey,
		ConsumerSecret:  cfg.ConsumerSecret,
		ShortCode:       cfg.ShortCode,
		PassKey:         cfg.PassKey,
		CallbackURL:     callbackURL,
		TransactionType: cfg.TransactionType,
		Timeout:         cfg.Timeout,
	})

	logger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"base_url":    cfg.BaseURL,
		"short_code":  cfg.ShortCode,
	}).Info("M-Pesa gateway configured")

	return &MpesaGateway{
		client:  client,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// InitiatePush sends an STK push with a bounded timeout
func (g *MpesaGateway) InitiatePush(ctx context.Context, phone string, amount float64, reference string) (*PushReceipt, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := g.client.STKPush(ctx, phone, amount, reference)
	gatewayLatency.WithLabelValues("stk_push").Observe(time.Since(start).Seconds())

	if err != nil {
		var apiErr *mpesa.APIError
		if errors.As(err, &apiErr) && apiErr.Definitive() {
			gatewayRequests.WithLabelValues("stk_push", "rejected").Inc()
			g.logger.WithFields(logrus.Fields{
				"status_code": apiErr.StatusCode,
				"error_code":  apiErr.Code,
			}).Warn("STK push rejected by M-Pesa")
			return nil, &PushRejectedError{StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
		}
		gatewayRequests.WithLabelValues("stk_push", "error").Inc()
		return nil, err
	}

	gatewayRequests.WithLabelValues("stk_push", "accepted").Inc()
	return &PushReceipt{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Description:       resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the provider for the state of an earlier push
func (g *MpesaGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*models.ProviderResult, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := g.client.QuerySTKPush(ctx, checkoutRequestID)
	gatewayLatency.WithLabelValues("stk_query").Observe(time.Since(start).Seconds())
	if err != nil {
		gatewayRequests.WithLabelValues("stk_query", "error").Inc()
		return nil, err
	}
	gatewayRequests.WithLabelValues("stk_query", string(resp.Outcome)).Inc()

	code := mpesa.ResultStillProcessing
	if resp.ResultCode != "" {
		if parsed, err := strconv.Atoi(resp.ResultCode); err == nil {
			code = parsed
		}
	}

	return &models.ProviderResult{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Outcome:           models.ProviderOutcome(resp.Outcome),
		ResultCode:        code,
		Description:       resp.ResultDesc,
	}, nil
}

// ParseCallback translates a Daraja callback body
func (g *MpesaGateway) ParseCallback(body []byte) (*models.ProviderResult, error) {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		return nil, err
	}

	result := &models.ProviderResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		Outcome:           models.ProviderOutcome(cb.Outcome()),
		ResultCode:        cb.ResultCode,
		Description:       cb.ResultDesc,
		ReceiptNumber:     cb.ReceiptNumber(),
		TransactionDate:   cb.TransactionDate(),
		PhoneNumber:       cb.PhoneNumber(),
	}
	if amount, ok := cb.Amount(); ok {
		result.Amount = &amount
	}
	return result, nil
}

func (g *MpesaGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
