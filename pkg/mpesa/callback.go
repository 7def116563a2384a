package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Outcome is the normalised meaning of a Daraja result code
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// Result codes seen on callbacks and queries
const (
	ResultSuccess           = 0
	ResultInsufficientFunds = 1
	ResultCancelledByUser   = 1032
	ResultUnreachable       = 1037
	ResultStillProcessing   = 4999

	// Returned as an HTTP 500 error body by the query endpoint while the
	// customer has not yet responded
	ErrorCodeStillProcessing = "500.001.1001"
)

// ErrMissingCheckoutID is returned for callbacks that cannot be matched
var ErrMissingCheckoutID = errors.New("callback has no CheckoutRequestID")

// Classify maps a result code to an outcome
func Classify(code int) Outcome {
	switch code {
	case ResultSuccess:
		return OutcomeSuccess
	case ResultStillProcessing:
		return OutcomePending
	default:
		return OutcomeFailed
	}
}

// CallbackEnvelope is the body Daraja POSTs to the callback URL
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback carries the final result of a push
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata is present on successful payments only
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one Name/Value pair of callback metadata
type CallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// ParseCallback decodes a raw callback body. Numbers are kept as json.Number
// so MSISDNs and transaction dates survive intact.
func ParseCallback(body []byte) (*STKCallback, error) {
	var envelope CallbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to parse callback: %w", err)
	}
	cb := envelope.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return nil, ErrMissingCheckoutID
	}
	return &cb, nil
}

// Outcome classifies the callback's result code
func (cb *STKCallback) Outcome() Outcome {
	return Classify(cb.ResultCode)
}

func (cb *STKCallback) item(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, it := range cb.CallbackMetadata.Item {
		if it.Name != name || it.Value == nil {
			continue
		}
		switch v := it.Value.(type) {
		case json.Number:
			return v.String(), true
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// Amount returns the amount paid, if reported
func (cb *STKCallback) Amount() (float64, bool) {
	raw, ok := cb.item("Amount")
	if !ok {
		return 0, false
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}

// ReceiptNumber returns the M-Pesa receipt, or ""
func (cb *STKCallback) ReceiptNumber() string {
	receipt, _ := cb.item("MpesaReceiptNumber")
	return receipt
}

// PhoneNumber returns the paying MSISDN, or ""
func (cb *STKCallback) PhoneNumber() string {
	phone, _ := cb.item("PhoneNumber")
	return phone
}

// TransactionDate parses the YYYYMMDDHHmmss EAT timestamp, if reported
func (cb *STKCallback) TransactionDate() *time.Time {
	raw, ok := cb.item("TransactionDate")
	if !ok {
		return nil
	}
	t, err := time.ParseInLocation(timestampLayout, raw, eat)
	if err != nil {
		return nil
	}
	return &t
}
