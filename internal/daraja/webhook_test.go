package daraja

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 100.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

const failureCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	event, err := ParseCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatalf("checkout id = %q", event.CheckoutRequestID)
	}
	if event.ReceiptNumber != "NLJ7RT61SV" {
		t.Fatalf("receipt = %q", event.ReceiptNumber)
	}
	if event.PhoneNumber != "254712345678" {
		t.Fatalf("phone = %q", event.PhoneNumber)
	}
	if out := event.Outcome(); out.State != OutcomeSuccess {
		t.Fatalf("outcome = %s", out.State)
	}
}

func TestParseCallbackFailure(t *testing.T) {
	event, err := ParseCallback([]byte(failureCallback))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := event.Outcome()
	if out.State != OutcomeFailure {
		t.Fatalf("outcome = %s", out.State)
	}
	if out.Reason != "Request cancelled by user" {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestParseCallbackFlattenedShape(t *testing.T) {
	flat := `{"stkCallback": {"CheckoutRequestID": "ws_CO_1", "ResultCode": "0", "ResultDesc": "ok"}}`
	event, err := ParseCallback([]byte(flat))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("checkout id = %q", event.CheckoutRequestID)
	}
}

func TestParseCallbackMissingCorrelationID(t *testing.T) {
	if _, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`)); err == nil {
		t.Fatal("expected error for missing correlation id")
	}
}

type recordingProcessor struct {
	events []CallbackEvent
	err    error
}

func (p *recordingProcessor) HandleDarajaCallback(ctx context.Context, event CallbackEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func TestCallbackHandlerAcksAndForwards(t *testing.T) {
	proc := &recordingProcessor{}
	handler := NewCallbackHandler(testLogger(), nil, proc)

	req := httptest.NewRequest(http.MethodPost, "/webhook/daraja", strings.NewReader(successCallback))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ResultCode":0`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(proc.events) != 1 {
		t.Fatalf("processor received %d events", len(proc.events))
	}
}

func TestCallbackHandlerAcksUnparseable(t *testing.T) {
	proc := &recordingProcessor{}
	handler := NewCallbackHandler(testLogger(), nil, proc)

	req := httptest.NewRequest(http.MethodPost, "/webhook/daraja", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The gateway retries on non-200; garbage must be acked and dropped.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(proc.events) != 0 {
		t.Fatal("unparseable callback must not reach the processor")
	}
}

func TestCallbackHandlerRejectsGet(t *testing.T) {
	handler := NewCallbackHandler(testLogger(), nil, &recordingProcessor{})
	req := httptest.NewRequest(http.MethodGet, "/webhook/daraja", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
