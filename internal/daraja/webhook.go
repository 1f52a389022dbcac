package daraja

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mpesa-bot/internal/metrics"

	"log/slog"
)

// CallbackEvent is the normalized form of an STK push result callback.
type CallbackEvent struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	ReceiptNumber     string
	Amount            string
	PhoneNumber       string
	Raw               map[string]any
	ReceivedAt        time.Time
}

// Outcome maps the callback's result code to a transaction outcome.
func (e *CallbackEvent) Outcome() *Outcome {
	desc := e.ResultDesc
	if isZeroCode(e.ResultCode) {
		return &Outcome{State: OutcomeSuccess, Reason: desc, Raw: e.Raw}
	}
	if desc == "" {
		desc = "gateway_error:" + e.ResultCode
	}
	return &Outcome{State: OutcomeFailure, Reason: desc, Raw: e.Raw}
}

// CallbackProcessor handles normalized callback events.
type CallbackProcessor interface {
	HandleDarajaCallback(ctx context.Context, event CallbackEvent) error
}

// CallbackHandler receives Daraja's asynchronous STK result callbacks,
// normalizes them and forwards them to the processor.
type CallbackHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor CallbackProcessor
}

// NewCallbackHandler creates a callback handler.
func NewCallbackHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, processor CallbackProcessor) *CallbackHandler {
	return &CallbackHandler{
		logger:    logger.With("component", "daraja_callback"),
		metrics:   metricRegistry,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler. The gateway expects a ResultCode 0 ack;
// anything else makes it retry, so unmatched or unparseable callbacks are
// logged and acked rather than rejected.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("daraja_callback").Inc()
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := ParseCallback(body)
	if err != nil {
		h.logger.Warn("dropping unparseable callback", "error", err)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("daraja_callback_parse").Inc()
		}
		ack(w)
		return
	}

	if h.processor != nil {
		if err := h.processor.HandleDarajaCallback(r.Context(), *event); err != nil {
			h.logger.Error("failed processing callback", "error", err, "checkout_request_id", event.CheckoutRequestID)
			if h.metrics != nil {
				h.metrics.Errors.WithLabelValues("daraja_callback_process").Inc()
			}
		}
	}

	ack(w)
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ResultCode":0,"ResultDesc":"Accepted"}`))
}

// ParseCallback extracts the stkCallback node from a callback body. The node
// normally sits under Body.stkCallback but some relays flatten it, so both
// shapes are accepted.
func ParseCallback(body []byte) (*CallbackEvent, error) {
	data, err := decodeMap(body)
	if err != nil {
		return nil, err
	}

	node := nestedMap(data, "Body", "stkCallback")
	if node == nil {
		node = nestedMap(data, "stkCallback")
	}
	if node == nil {
		node = data
	}

	event := &CallbackEvent{
		MerchantRequestID: firstMatch2(node, merchantIDMatchers),
		CheckoutRequestID: firstMatch2(node, checkoutIDMatchers),
		ResultDesc:        firstMatch2(node, descriptionMatchers),
		Raw:               data,
		ReceivedAt:        time.Now(),
	}
	if code, ok := firstMatch(node, resultCodeMatchers); ok {
		event.ResultCode = code
	}
	if event.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing correlation id")
	}

	// CallbackMetadata carries receipt, amount and phone as name/value items
	// on success; absent on failure.
	if meta := nestedMap(node, "CallbackMetadata"); meta != nil {
		for name, value := range metadataItems(meta) {
			switch strings.ToLower(name) {
			case "mpesareceiptnumber":
				event.ReceiptNumber = value
			case "amount":
				event.Amount = value
			case "phonenumber":
				event.PhoneNumber = value
			}
		}
	}

	return event, nil
}

func metadataItems(meta map[string]any) map[string]string {
	out := map[string]string{}
	items, ok := meta["Item"].([]any)
	if !ok {
		if items, ok = meta["item"].([]any); !ok {
			return out
		}
	}
	for _, it := range items {
		entry, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, _ := scalarString(entry["Name"])
		value, _ := scalarString(entry["Value"])
		if name != "" {
			out[name] = value
		}
	}
	return out
}
