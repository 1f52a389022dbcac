package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"mpesa-bot/internal/metrics"

	"log/slog"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	tokenEndpoint    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushEndpoint  = "/mpesa/stkpush/v1/processrequest"
	stkQueryEndpoint = "/mpesa/stkpushquery/v1/query"

	// TransactionTypeBuyGoods is the STK transaction type for Till payments.
	TransactionTypeBuyGoods = "CustomerBuyGoodsOnline"
	// TransactionTypePayBill is the STK transaction type for Paybill payments.
	TransactionTypePayBill = "CustomerPayBillOnline"

	tokenExpirySkew = 30 * time.Second
)

// Normalized rejection reasons surfaced to callers.
const (
	ReasonNetworkError       = "network_error"
	ReasonMalformedResponse  = "malformed_response"
	ReasonTimeout            = "timeout"
	ReasonServiceUnavailable = "service_unavailable"
)

// ErrUnauthorized indicates the gateway refused our credentials even after a
// forced token refresh. Callers surface this as "service unavailable".
var ErrUnauthorized = errors.New("daraja credentials rejected")

// RejectedError reports a payment the gateway declined or that never reached
// it. Reason is normalized for user-facing reporting and is never empty.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "payment rejected: " + e.Reason
}

// RejectionReason extracts the normalized reason from an error chain, or
// returns a generic fallback.
func RejectionReason(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	if errors.Is(err, ErrUnauthorized) {
		return ReasonServiceUnavailable
	}
	return "unknown_error"
}

// Config holds Daraja client configuration.
type Config struct {
	// Environment selects the default base URL: "production" or "sandbox".
	Environment string
	// BaseURL overrides the environment-derived URL when set.
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	// ShortCode is the Till or Paybill number receiving the funds.
	ShortCode string
	// BusinessShortCode is used as BusinessShortCode/PartyB when it differs
	// from ShortCode (Paybill head-office setups). Falls back to ShortCode.
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	// TransactionType is TransactionTypeBuyGoods or TransactionTypePayBill.
	TransactionType string
	Timeout         time.Duration
}

// Client provides typed access to the Daraja STK push API.
type Client struct {
	logger  *slog.Logger
	cfg     Config
	baseURL string
	http    *http.Client
	metrics *metrics.Metrics

	// Token cache is process-wide shared state; tokenMu serializes refreshes
	// so concurrent requests do not stampede the OAuth endpoint.
	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

// New creates a new Daraja client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if strings.EqualFold(strings.TrimSpace(cfg.Environment), "production") {
			base = productionBaseURL
		} else {
			base = sandboxBaseURL
		}
	}
	if cfg.BusinessShortCode == "" {
		cfg.BusinessShortCode = cfg.ShortCode
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = TransactionTypeBuyGoods
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "daraja"),
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		metrics: metricRegistry,
		now:     time.Now,
	}
}

// PaymentAccepted carries the gateway identifiers issued for an accepted
// STK push request.
type PaymentAccepted struct {
	CheckoutRequestID string
	MerchantRequestID string
	Description       string
	Raw               map[string]any
}

// InitiatePayment issues an STK push for the given phone and amount.
//
// This call is NOT idempotent at the gateway: invoking it twice creates two
// separate money-movement attempts. The confirmation gate upstream is the
// sole dedup point; no retry of any kind happens here beyond the single
// forced token refresh on a 401.
func (c *Client) InitiatePayment(ctx context.Context, phoneNumber string, amount int64, accountRef, description string) (*PaymentAccepted, error) {
	if amount <= 0 {
		return nil, &RejectedError{Reason: "invalid_amount"}
	}
	password, timestamp := stkPassword(c.cfg.BusinessShortCode, c.cfg.Passkey, c.now())
	payload := map[string]any{
		"BusinessShortCode": c.cfg.BusinessShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   c.cfg.TransactionType,
		"Amount":            strconv.FormatInt(amount, 10),
		"PartyA":            phoneNumber,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       phoneNumber,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   description,
	}

	data, err := c.postJSON(ctx, stkPushEndpoint, payload)
	if err != nil {
		return nil, err
	}

	code, ok := firstMatch(data, resultCodeMatchers)
	if !ok {
		c.logger.Warn("stk push response missing result code", "keys", mapKeys(data))
		return nil, &RejectedError{Reason: ReasonMalformedResponse}
	}
	if !isZeroCode(code) {
		reason := firstMatch2(data, descriptionMatchers)
		if reason == "" {
			reason = "gateway_error:" + code
		}
		return nil, &RejectedError{Reason: reason}
	}

	accepted := &PaymentAccepted{
		CheckoutRequestID: firstMatch2(data, checkoutIDMatchers),
		MerchantRequestID: firstMatch2(data, merchantIDMatchers),
		Description:       firstMatch2(data, descriptionMatchers),
		Raw:               data,
	}
	if accepted.CheckoutRequestID == "" {
		// Accepted without a correlation id cannot be tracked; treat as
		// malformed rather than leaving an unpollable pending payment.
		return nil, &RejectedError{Reason: ReasonMalformedResponse}
	}
	return accepted, nil
}

// OutcomeState classifies a transaction's terminal or interim state.
type OutcomeState string

const (
	OutcomePending OutcomeState = "pending"
	OutcomeSuccess OutcomeState = "success"
	OutcomeFailure OutcomeState = "failure"
)

// Outcome is the normalized result of a status query or callback.
type Outcome struct {
	State  OutcomeState
	Reason string
	Raw    map[string]any
}

// QueryStatus asks the gateway for the state of a previously initiated STK
// push identified by its CheckoutRequestID.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*Outcome, error) {
	password, timestamp := stkPassword(c.cfg.BusinessShortCode, c.cfg.Passkey, c.now())
	payload := map[string]any{
		"BusinessShortCode": c.cfg.BusinessShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	data, err := c.postJSON(ctx, stkQueryEndpoint, payload)
	if err != nil {
		// The query endpoint answers "transaction is being processed" with an
		// error envelope while the push is still on the handset.
		var rej *RejectedError
		if errors.As(err, &rej) && isStillProcessing(rej.Reason) {
			return &Outcome{State: OutcomePending, Reason: rej.Reason}, nil
		}
		return nil, err
	}

	return outcomeFromPayload(data), nil
}

func outcomeFromPayload(data map[string]any) *Outcome {
	code, ok := firstMatch(data, resultCodeMatchers)
	if !ok {
		return &Outcome{State: OutcomePending, Reason: "status unknown", Raw: data}
	}
	desc := firstMatch2(data, descriptionMatchers)
	if isZeroCode(code) {
		return &Outcome{State: OutcomeSuccess, Reason: desc, Raw: data}
	}
	if isPendingCode(code) {
		return &Outcome{State: OutcomePending, Reason: desc, Raw: data}
	}
	if desc == "" {
		desc = "gateway_error:" + code
	}
	return &Outcome{State: OutcomeFailure, Reason: desc, Raw: data}
}

// postJSON sends an authenticated JSON request and decodes the response into
// a generic map for defensive field extraction. A single 401 triggers one
// forced token refresh and retry.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	data, status, err := c.doAuthed(ctx, endpoint, payload, false)
	if err == nil && status == http.StatusUnauthorized {
		c.logger.Warn("daraja returned 401, forcing token refresh", "endpoint", endpoint)
		data, status, err = c.doAuthed(ctx, endpoint, payload, true)
	}
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if status >= 400 {
		if reason := firstMatch2(data, descriptionMatchers); reason != "" {
			return nil, &RejectedError{Reason: reason}
		}
		return nil, &RejectedError{Reason: fmt.Sprintf("http_error:%d", status)}
	}
	return data, nil
}

func (c *Client) doAuthed(ctx context.Context, endpoint string, payload map[string]any, forceRefresh bool) (map[string]any, int, error) {
	token, err := c.accessToken(ctx, forceRefresh)
	if err != nil {
		return nil, 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := c.now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DarajaRequests.WithLabelValues(endpoint, "error").Inc()
		}
		return nil, 0, &RejectedError{Reason: ReasonNetworkError}
	}
	defer res.Body.Close()

	duration := time.Since(start).Seconds()
	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.DarajaRequests.WithLabelValues(endpoint, statusLabel).Inc()
		c.metrics.DarajaLatency.WithLabelValues(endpoint, statusLabel).Observe(duration)
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, &RejectedError{Reason: ReasonNetworkError}
	}

	data, err := decodeMap(bodyBytes)
	if err != nil {
		if res.StatusCode >= 400 {
			// Non-JSON error bodies still map to the HTTP status reason.
			return map[string]any{}, res.StatusCode, nil
		}
		return nil, res.StatusCode, &RejectedError{Reason: ReasonMalformedResponse}
	}
	return data, res.StatusCode, nil
}

// accessToken returns a cached bearer token, fetching a new one when absent,
// expired, or forced.
func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if !force && c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("new token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DarajaRequests.WithLabelValues("token", "error").Inc()
		}
		c.logger.Warn("token fetch failed", "error", err)
		// Token endpoint unreachable is a transport failure, not a rejection
		// of the payment itself.
		return "", &RejectedError{Reason: ReasonNetworkError}
	}
	defer res.Body.Close()

	if c.metrics != nil {
		c.metrics.DarajaRequests.WithLabelValues("token", strconv.Itoa(res.StatusCode)).Inc()
	}

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if res.StatusCode >= 400 {
		c.logger.Warn("token endpoint error", "status", res.StatusCode)
		return "", &RejectedError{Reason: ReasonServiceUnavailable}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	ttl := 50 * time.Minute
	if secs, err := strconv.Atoi(strings.TrimSpace(tok.ExpiresIn)); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenExpirySkew {
		ttl -= tokenExpirySkew
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	c.logger.Debug("daraja token refreshed", "expires_in", ttl.String())
	return c.token, nil
}

// stkPassword derives the STK push password and its timestamp component.
func stkPassword(shortCode, passkey string, t time.Time) (password, timestamp string) {
	timestamp = t.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
	return password, timestamp
}

// isStillProcessing recognizes the query endpoint's "not done yet" answers.
func isStillProcessing(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "being processed") ||
		strings.Contains(lower, "500.001.1001")
}

// isPendingCode recognizes in-flight result codes from query payloads.
func isPendingCode(code string) bool {
	return strings.TrimSpace(code) == "500.001.1001"
}
