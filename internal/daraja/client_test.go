package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestClient(baseURL string) *Client {
	return New(Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/webhook/daraja",
	}, testLogger(), nil)
}

func tokenResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token": "tok-1",
		"expires_in":   "3599",
	})
}

func TestInitiatePaymentSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/"):
			user, pass, _ := r.BasicAuth()
			if user != "key" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			tokenResponse(w)
		case r.URL.Path == stkPushEndpoint:
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"MerchantRequestID":   "29115-34620561-1",
				"CheckoutRequestID":   "ws_CO_191220191020363925",
				"ResponseCode":        "0",
				"ResponseDescription": "Success. Request accepted for processing",
				"CustomerMessage":     "Success. Request accepted for processing",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	accepted, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if accepted.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatalf("checkout id = %q", accepted.CheckoutRequestID)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	for _, key := range []string{"BusinessShortCode", "Password", "Timestamp", "TransactionType", "Amount", "PartyA", "PartyB", "PhoneNumber", "CallBackURL", "AccountReference", "TransactionDesc"} {
		if _, ok := gotBody[key]; !ok {
			t.Fatalf("request payload missing %s", key)
		}
	}
	if gotBody["Amount"] != "100" {
		t.Fatalf("amount = %v", gotBody["Amount"])
	}
	if gotBody["TransactionType"] != TransactionTypeBuyGoods {
		t.Fatalf("transaction type = %v", gotBody["TransactionType"])
	}
}

func TestInitiatePaymentGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			tokenResponse(w)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ResponseCode":        "1",
			"ResponseDescription": "Insufficient funds",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if RejectionReason(err) != "Insufficient funds" {
		t.Fatalf("reason = %q", RejectionReason(err))
	}
}

func TestInitiatePaymentNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			tokenResponse(w)
		}
	}))
	c := newTestClient(srv.URL)
	// Warm the token, then kill the server so the payment call fails on the wire.
	if _, err := c.accessToken(context.Background(), false); err != nil {
		t.Fatalf("token: %v", err)
	}
	srv.Close()

	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if RejectionReason(err) != ReasonNetworkError {
		t.Fatalf("reason = %q, want %q", RejectionReason(err), ReasonNetworkError)
	}
}

func TestInitiatePaymentHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			tokenResponse(w)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if RejectionReason(err) != "http_error:503" {
		t.Fatalf("reason = %q", RejectionReason(err))
	}
}

func TestInitiatePaymentMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			tokenResponse(w)
			return
		}
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if RejectionReason(err) != ReasonMalformedResponse {
		t.Fatalf("reason = %q", RejectionReason(err))
	}
}

func TestTokenEndpointErrorIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		t.Errorf("payment endpoint reached without a token")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if RejectionReason(err) != ReasonServiceUnavailable {
		t.Fatalf("reason = %q, want %q", RejectionReason(err), ReasonServiceUnavailable)
	}
}

func TestTokenFetchNetworkErrorIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if RejectionReason(err) != ReasonNetworkError {
		t.Fatalf("reason = %q, want %q", RejectionReason(err), ReasonNetworkError)
	}
}

func TestUnauthorizedTriggersSingleRefresh(t *testing.T) {
	var tokenFetches, pushCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/"):
			tokenFetches.Add(1)
			tokenResponse(w)
		case r.URL.Path == stkPushEndpoint:
			// First push call rejects the (stale) token, second succeeds.
			if pushCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"CheckoutRequestID": "ws_CO_1",
				"ResponseCode":      "0",
			})
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	accepted, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if accepted.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("checkout id = %q", accepted.CheckoutRequestID)
	}
	if got := tokenFetches.Load(); got != 2 {
		t.Fatalf("token fetches = %d, want 2 (initial + forced refresh)", got)
	}
	if got := pushCalls.Load(); got != 2 {
		t.Fatalf("push calls = %d, want 2 (401 then retry)", got)
	}
}

func TestUnauthorizedTwiceIsFatalToRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			tokenResponse(w)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiatePayment(context.Background(), "254712345678", 100, "ORDER-1", "Till Payment")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	var tokenFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/"):
			tokenFetches.Add(1)
			tokenResponse(w)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"CheckoutRequestID": "ws_CO_1",
				"ResponseCode":      "0",
			})
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.InitiatePayment(ctx, "254712345678", 100, "ORDER-1", "Till Payment"); err != nil {
			t.Fatalf("initiate %d: %v", i, err)
		}
	}
	if got := tokenFetches.Load(); got != 1 {
		t.Fatalf("token fetches = %d, want 1", got)
	}
}

func TestQueryStatusOutcomes(t *testing.T) {
	var response map[string]any
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/") {
			tokenResponse(w)
			return
		}
		if r.URL.Path != stkQueryEndpoint {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if status != 0 {
			w.WriteHeader(status)
		}
		_ = json.NewEncoder(w).Encode(response)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	response = map[string]any{"ResultCode": "0", "ResultDesc": "The service request is processed successfully."}
	status = 0
	out, err := c.QueryStatus(ctx, "ws_CO_1")
	if err != nil || out.State != OutcomeSuccess {
		t.Fatalf("success query: out=%+v err=%v", out, err)
	}

	response = map[string]any{"ResultCode": "1032", "ResultDesc": "Request cancelled by user"}
	out, err = c.QueryStatus(ctx, "ws_CO_1")
	if err != nil || out.State != OutcomeFailure || out.Reason != "Request cancelled by user" {
		t.Fatalf("failure query: out=%+v err=%v", out, err)
	}

	// Still-processing arrives as an HTTP error envelope.
	response = map[string]any{"errorCode": "500.001.1001", "errorMessage": "The transaction is being processed"}
	status = http.StatusInternalServerError
	out, err = c.QueryStatus(ctx, "ws_CO_1")
	if err != nil {
		t.Fatalf("pending query: %v", err)
	}
	if out.State != OutcomePending {
		t.Fatalf("state = %s, want pending", out.State)
	}
}

func TestStkPassword(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	password, timestamp := stkPassword("174379", "passkey", at)
	if timestamp != "20240102150405" {
		t.Fatalf("timestamp = %q", timestamp)
	}
	decoded, err := base64.StdEncoding.DecodeString(password)
	if err != nil {
		t.Fatalf("password not base64: %v", err)
	}
	if string(decoded) != "174379passkey20240102150405" {
		t.Fatalf("decoded password = %q", decoded)
	}
}
