package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	oauthPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	// Daraja timestamps are East Africa Time
	timestampLayout = "20060102150405"

	defaultTransactionType = "CustomerPayBillOnline"
	transactionDesc        = "Seat Booking"
	maxAccountReference    = 12
	tokenRefreshMargin     = 60 * time.Second
)

var eat = time.FixedZone("EAT", 3*60*60)

// Client talks to the Safaricom Daraja API
type Client struct {
	baseURL         string
	consumerKey     string
	consumerSecret  string
	shortCode       string
	passKey         string
	callbackURL     string
	transactionType string
	client          *http.Client

	// Token management
	token       string
	tokenMutex  sync.RWMutex
	tokenExpiry time.Time

	now func() time.Time
}

// Config holds configuration for the Daraja client
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

// NewClient creates a new Daraja client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	txType := cfg.TransactionType
	if txType == "" {
		txType = defaultTransactionType
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey:     cfg.ConsumerKey,
		consumerSecret:  cfg.ConsumerSecret,
		shortCode:       cfg.ShortCode,
		passKey:         cfg.PassKey,
		callbackURL:     cfg.CallbackURL,
		transactionType: txType,
		client:          &http.Client{Timeout: timeout},
		now:             time.Now,
	}
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// TokenResponse is the OAuth response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// STKPushRequest is the Lipa Na M-Pesa Online request body
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgement of a push
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryRequest asks for the state of an earlier push
type QueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResponse is the STK push query result
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`

	// Set when the query itself failed with an in-flight error code
	Outcome Outcome `json:"-"`
}

type errorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// APIError is an error response returned by Daraja
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Definitive reports whether the request was refused outright. Server-side
// failures leave the outcome unknown.
func (e *APIError) Definitive() bool {
	return e.StatusCode < http.StatusInternalServerError
}

// ============================================================================
// AUTH
// ============================================================================

// GetAccessToken fetches a new OAuth token and caches it
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+oauthPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", apiErrorFrom(status, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", &APIError{StatusCode: status, Message: "empty access token"}
	}

	expiresIn, err := strconv.Atoi(tokenResp.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	c.tokenMutex.Lock()
	c.token = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(expiresIn)*time.Second - tokenRefreshMargin)
	c.tokenMutex.Unlock()

	return tokenResp.AccessToken, nil
}

// ensureValidToken returns the cached token or fetches a new one
func (c *Client) ensureValidToken(ctx context.Context) (string, error) {
	c.tokenMutex.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.tokenMutex.RUnlock()

	if token != "" && c.now().Before(expiry) {
		return token, nil
	}
	return c.GetAccessToken(ctx)
}

// ============================================================================
// STK PUSH
// ============================================================================

// STKPush asks the customer's handset to authorise a payment. An *APIError
// whose Definitive is true means Daraja rejected the request; any other error
// leaves the outcome unknown.
func (c *Client) STKPush(ctx context.Context, phone string, amount float64, accountReference string) (*STKPushResponse, error) {
	timestamp := c.timestamp()
	if len(accountReference) > maxAccountReference {
		accountReference = accountReference[:maxAccountReference]
	}

	payload := STKPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          Password(c.shortCode, c.passKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.transactionType,
		Amount:            int(math.Ceil(amount)),
		PartyA:            phone,
		PartyB:            c.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   transactionDesc,
	}

	var resp STKPushResponse
	status, body, err := c.postJSON(ctx, stkPath, payload, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, &APIError{StatusCode: status, Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}
	return &resp, nil
}

// QuerySTKPush asks for the result of an earlier push
func (c *Client) QuerySTKPush(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	timestamp := c.timestamp()
	payload := QueryRequest{
		BusinessShortCode: c.shortCode,
		Password:          Password(c.shortCode, c.passKey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp QueryResponse
	status, body, err := c.postJSON(ctx, queryPath, payload, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		apiErr := apiErrorFrom(status, body)
		if apiErr.Code == ErrorCodeStillProcessing {
			return &QueryResponse{
				CheckoutRequestID: checkoutRequestID,
				ResultDesc:        apiErr.Message,
				Outcome:           OutcomePending,
			}, nil
		}
		return nil, apiErr
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("unexpected query result code %q", resp.ResultCode)
	}
	resp.Outcome = Classify(code)
	return &resp, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// Password is base64(shortcode + passkey + timestamp)
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func (c *Client) timestamp() string {
	return c.now().In(eat).Format(timestampLayout)
}

// postJSON sends an authorised JSON request and decodes a 200 response into out
func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) (int, []byte, error) {
	token, err := c.ensureValidToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	body, status, err := c.do(req)
	if err != nil {
		return 0, nil, err
	}

	if status == http.StatusUnauthorized {
		c.tokenMutex.Lock()
		c.token = ""
		c.tokenMutex.Unlock()
	}

	if status == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			return status, body, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return status, body, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("mpesa request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func apiErrorFrom(status int, body []byte) *APIError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.ErrorMessage == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Code: eb.ErrorCode, Message: eb.ErrorMessage}
}
