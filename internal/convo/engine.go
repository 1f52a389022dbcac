package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mpesa-bot/internal/daraja"
	"mpesa-bot/internal/metrics"
	"mpesa-bot/internal/phone"
	"mpesa-bot/internal/session"
)

// Gateway is the slice of the Daraja client the engine needs. It is satisfied
// by *daraja.Client.
type Gateway interface {
	InitiatePayment(ctx context.Context, phoneNumber string, amount int64, accountRef, description string) (*daraja.PaymentAccepted, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.Outcome, error)
}

// Sender pushes an outbound text to the user's chat platform.
type Sender interface {
	SendText(ctx context.Context, userID, text string) error
}

// PaymentRecord captures an accepted STK push for the audit log.
type PaymentRecord struct {
	ChatUserID        string
	CheckoutRequestID string
	MerchantRequestID string
	PhoneNumber       string
	Amount            int64
	AccountReference  string
	Description       string
}

// PaymentLog persists payment attempts and their outcomes. Optional: a nil
// log disables auditing but not the flow itself.
type PaymentLog interface {
	RecordInitiated(ctx context.Context, rec PaymentRecord) error
	RecordOutcome(ctx context.Context, checkoutRequestID, status, resultDesc, receiptNumber string) error
	// LookupChatUser maps a gateway correlation id back to the chat identity
	// that initiated it. Used when a callback arrives after a restart and the
	// in-memory correlation map is cold.
	LookupChatUser(ctx context.Context, checkoutRequestID string) (string, error)
}

// ToolRequest is the payment tool invocation handed over by the agent layer.
// LastUtterance must be the literal last user message: the gate re-checks it
// regardless of what the agent decided.
type ToolRequest struct {
	UserID           string
	PhoneNumber      string
	Amount           int64
	AccountReference string
	Description      string
	LastUtterance    string
}

// ToolResult is returned to the agent layer for user-facing reporting.
type ToolResult struct {
	Success       bool
	Message       string
	TransactionID string
}

// ReportState classifies a status resolution.
type ReportState string

const (
	ReportNoActiveTransaction ReportState = "no_active_transaction"
	ReportPending             ReportState = "pending"
	ReportSuccess             ReportState = "success"
	ReportFailure             ReportState = "failure"
)

// StatusReport is the outcome of resolving a session's in-flight transaction.
type StatusReport struct {
	State   ReportState
	Message string
	Reason  string
	Receipt string
}

// Config wires the engine's collaborators.
type Config struct {
	Gateway  Gateway
	Sessions session.Store
	Sender   Sender
	Payments PaymentLog
	// PendingDeadline bounds how long a payment may sit pending before it is
	// failed with a timeout. Zero means 2 minutes.
	PendingDeadline time.Duration
}

const defaultPendingDeadline = 2 * time.Minute

// inflightEntry correlates a gateway checkout id with the chat user that
// initiated it. InitiatedAt lets the sweeper expire entries whose session is
// gone (evicted or expired) so the map cannot grow without bound.
type inflightEntry struct {
	userID      string
	initiatedAt time.Time
}

// Engine owns the payment-intent state machine: it routes inbound messages,
// enforces the confirmation gate in front of every gateway call, and resolves
// transaction outcomes from polls and callbacks.
type Engine struct {
	gateway  Gateway
	sessions session.Store
	sender   Sender
	payments PaymentLog
	logger   *slog.Logger
	metrics  *metrics.Metrics

	pendingDeadline time.Duration

	locks keyedLocks

	inflightMu sync.Mutex
	inflight   map[string]inflightEntry // keyed by checkout request id

	now func() time.Time
}

// New builds the engine. Gateway and Sessions are required.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("convo: gateway is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("convo: session store is required")
	}
	deadline := cfg.PendingDeadline
	if deadline <= 0 {
		deadline = defaultPendingDeadline
	}
	return &Engine{
		gateway:         cfg.Gateway,
		sessions:        cfg.Sessions,
		sender:          cfg.Sender,
		payments:        cfg.Payments,
		logger:          logger.With("component", "convo"),
		metrics:         metricRegistry,
		pendingDeadline: deadline,
		inflight:        make(map[string]inflightEntry),
		now:             time.Now,
	}, nil
}

// HandleMessage processes one inbound chat message and returns the reply.
// It is the deterministic fallback conversation loop, and also what keeps the
// session's confirmation state in step with what the user actually said.
func (e *Engine) HandleMessage(ctx context.Context, userID, text string) (string, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	if IsCancellation(text) {
		switch sess.Status {
		case session.StatusAwaitingAmount, session.StatusAwaitingConfirmation:
			sess.Reset()
			e.putSession(ctx, sess)
			return "Okay, I've cancelled that payment.", nil
		}
	}

	if IsStatusCheck(text) {
		report := e.resolveLocked(ctx, sess)
		return report.Message, nil
	}

	wasAwaitingConfirmation := sess.Status == session.StatusAwaitingConfirmation

	// Phone runs first: a 10-digit number is a phone, never an amount.
	phoneFound := false
	if p, ok := ExtractPhone(text); ok {
		sess.PhoneNumber = p
		phoneFound = true
	}

	var newAmount int64
	if amt, ok := ExtractAmount(text); ok {
		newAmount = amt
	} else if !phoneFound && sess.Status == session.StatusAwaitingAmount {
		if amt, ok := ExtractBareNumber(text); ok {
			newAmount = amt
		}
	}

	if newAmount > 0 {
		if sess.Status == session.StatusPaymentPending {
			// The in-flight slot is taken; a new intent has to wait until the
			// current transaction resolves.
			e.gateDecision("already_pending")
			return "A payment is already in progress. Say 'status' to check on it.", nil
		}
		sess.PendingAmount = newAmount
		sess.Confirmed = false
		if sess.PhoneNumber == "" {
			if p, err := phone.Normalize(userID); err == nil {
				sess.PhoneNumber = p
			}
		}
		if sess.PhoneNumber == "" {
			sess.Status = session.StatusAwaitingAmount
			e.putSession(ctx, sess)
			return "Which phone number should receive the payment prompt?", nil
		}
		sess.Status = session.StatusAwaitingConfirmation
		e.putSession(ctx, sess)
		return e.confirmPrompt(sess), nil
	}

	// A short bare digit run while details are being collected is a till or
	// account number, not an amount.
	if !phoneFound && sess.Status == session.StatusAwaitingConfirmation {
		if till, ok := ExtractTill(text); ok {
			sess.AccountReference = till
			e.putSession(ctx, sess)
			return e.confirmPrompt(sess), nil
		}
	}

	if phoneFound && sess.PendingAmount > 0 && sess.Status != session.StatusPaymentPending {
		// New destination number invalidates any earlier confirmation.
		sess.Confirmed = false
		sess.Status = session.StatusAwaitingConfirmation
		e.putSession(ctx, sess)
		return e.confirmPrompt(sess), nil
	}

	if wasAwaitingConfirmation && IsConfirmation(text) {
		sess.Confirmed = true
		result := e.invokeLocked(ctx, sess, ToolRequest{UserID: userID, LastUtterance: text})
		return result.Message, nil
	}

	switch sess.Status {
	case session.StatusPaymentPending:
		report := e.resolveLocked(ctx, sess)
		return report.Message, nil
	case session.StatusAwaitingConfirmation:
		return e.confirmPrompt(sess), nil
	case session.StatusAwaitingAmount:
		return "How much would you like to pay? For example: pay 100", nil
	default:
		e.putSession(ctx, sess)
		return "Hi! I can help you make an M-Pesa payment. Try: pay 100", nil
	}
}

// InvokePaymentTool is the entry point for the agent's tool-calling layer.
// The confirmation gate inside is the only code path allowed to reach
// InitiatePayment.
func (e *Engine) InvokePaymentTool(ctx context.Context, req ToolRequest) ToolResult {
	unlock := e.locks.Lock(req.UserID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, req.UserID)
	if err != nil {
		e.logger.Error("load session for tool invocation", "user_id", req.UserID, "error", err)
		return ToolResult{Message: "Something went wrong on my side. Please try again."}
	}
	return e.invokeLocked(ctx, sess, req)
}

// invokeLocked performs the check-then-act under the caller-held user lock.
func (e *Engine) invokeLocked(ctx context.Context, sess *session.Session, req ToolRequest) ToolResult {
	if sess.Status == session.StatusPaymentPending {
		e.gateDecision("already_pending")
		return ToolResult{Message: "A payment is already in progress. Say 'status' to check on it."}
	}

	amount := req.Amount
	if amount <= 0 {
		amount = sess.PendingAmount
	}
	if amount <= 0 {
		sess.Status = session.StatusAwaitingAmount
		e.putSession(ctx, sess)
		e.gateDecision("missing_amount")
		return ToolResult{Message: "How much would you like to pay? For example: pay 100"}
	}

	phoneNumber := sess.PhoneNumber
	if req.PhoneNumber != "" {
		normalized, err := phone.Normalize(req.PhoneNumber)
		if err != nil {
			e.gateDecision("invalid_phone")
			return ToolResult{Message: "That phone number doesn't look right. Please send it like 0712345678."}
		}
		phoneNumber = normalized
	}
	if phoneNumber == "" {
		if normalized, err := phone.Normalize(sess.UserID); err == nil {
			phoneNumber = normalized
		}
	}
	if phoneNumber == "" {
		sess.Status = session.StatusAwaitingAmount
		e.putSession(ctx, sess)
		e.gateDecision("missing_phone")
		return ToolResult{Message: "Which phone number should receive the payment prompt?"}
	}

	// The gate: independent of whatever the agent decided, the literal last
	// utterance must contain a confirmation phrase, the session must already
	// be awaiting confirmation, and that confirmation must be unspent. An
	// agent-supplied amount that differs from the one the user confirmed is
	// a new intent and needs its own confirmation.
	allowed := sess.Status == session.StatusAwaitingConfirmation &&
		sess.Confirmed &&
		IsConfirmation(req.LastUtterance) &&
		(req.Amount <= 0 || sess.PendingAmount <= 0 || req.Amount == sess.PendingAmount)
	if !allowed {
		sess.PendingAmount = amount
		sess.PhoneNumber = phoneNumber
		if req.AccountReference != "" {
			sess.AccountReference = req.AccountReference
		}
		sess.Status = session.StatusAwaitingConfirmation
		sess.Confirmed = false
		e.putSession(ctx, sess)
		e.gateDecision("blocked")
		return ToolResult{Message: e.confirmPrompt(sess)}
	}

	// Confirmation is single-use: spent here, before the gateway is touched,
	// so no later amount can ride on a stale "yes".
	sess.Confirmed = false

	accountRef := req.AccountReference
	if accountRef == "" {
		accountRef = sess.AccountReference
	}
	if accountRef == "" {
		accountRef = strings.ToUpper(uuid.NewString()[:8])
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Payment of KES %d", amount)
	}

	e.gateDecision("allowed")
	accepted, err := e.gateway.InitiatePayment(ctx, phoneNumber, amount, accountRef, description)
	if err != nil {
		reason := daraja.RejectionReason(err)
		switch reason {
		case daraja.ReasonNetworkError, daraja.ReasonTimeout, daraja.ReasonServiceUnavailable:
			// Transport or credential-provider failure: the intent survives so
			// the user can just retry, but the spent confirmation stays spent.
			e.putSession(ctx, sess)
			e.paymentOutcome("transport_error")
			return ToolResult{Message: "I couldn't reach the payment service. Please try again in a moment."}
		default:
			sess.Reset()
			e.putSession(ctx, sess)
			e.paymentOutcome("rejected")
			e.logger.Warn("payment rejected", "user_id", sess.UserID, "reason", reason)
			return ToolResult{Message: fmt.Sprintf("Payment failed: %s", reason)}
		}
	}

	sess.Status = session.StatusPaymentPending
	sess.LastCheckoutID = accepted.CheckoutRequestID
	sess.InitiatedAt = e.now()
	e.putSession(ctx, sess)
	e.trackInflight(accepted.CheckoutRequestID, sess.UserID)

	if e.payments != nil {
		rec := PaymentRecord{
			ChatUserID:        sess.UserID,
			CheckoutRequestID: accepted.CheckoutRequestID,
			MerchantRequestID: accepted.MerchantRequestID,
			PhoneNumber:       phoneNumber,
			Amount:            amount,
			AccountReference:  accountRef,
			Description:       description,
		}
		if err := e.payments.RecordInitiated(ctx, rec); err != nil {
			e.logger.Error("record initiated payment", "checkout_request_id", accepted.CheckoutRequestID, "error", err)
		}
	}

	e.paymentOutcome("initiated")
	e.logger.Info("payment initiated",
		"user_id", sess.UserID,
		"amount", amount,
		"checkout_request_id", accepted.CheckoutRequestID,
	)
	return ToolResult{
		Success:       true,
		Message:       fmt.Sprintf("I've sent the payment prompt to %s. Enter your M-Pesa PIN to approve KES %d.", phoneNumber, amount),
		TransactionID: accepted.CheckoutRequestID,
	}
}

// ResolveStatus answers an explicit "check my payment" pull.
func (e *Engine) ResolveStatus(ctx context.Context, userID string) StatusReport {
	unlock := e.locks.Lock(userID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, userID)
	if err != nil {
		e.logger.Error("load session for status check", "user_id", userID, "error", err)
		return StatusReport{State: ReportPending, Message: "I couldn't check right now. Please try again."}
	}
	return e.resolveLocked(ctx, sess)
}

func (e *Engine) resolveLocked(ctx context.Context, sess *session.Session) StatusReport {
	if !sess.InFlight() {
		return StatusReport{
			State:   ReportNoActiveTransaction,
			Message: "You don't have any payment in progress.",
		}
	}

	overdue := e.pendingDeadline > 0 && e.now().Sub(sess.InitiatedAt) > e.pendingDeadline

	outcome, err := e.gateway.QueryStatus(ctx, sess.LastCheckoutID)
	if err != nil {
		if overdue {
			return e.failLocked(ctx, sess, daraja.ReasonTimeout)
		}
		e.logger.Warn("status query failed", "checkout_request_id", sess.LastCheckoutID, "error", err)
		return StatusReport{State: ReportPending, Message: "I couldn't check right now. Your payment is still processing."}
	}

	switch outcome.State {
	case daraja.OutcomeSuccess:
		return e.succeedLocked(ctx, sess, "")
	case daraja.OutcomeFailure:
		return e.failLocked(ctx, sess, outcome.Reason)
	default:
		if overdue {
			return e.failLocked(ctx, sess, daraja.ReasonTimeout)
		}
		return StatusReport{State: ReportPending, Message: "Your payment is still processing. I'll let you know as soon as it completes."}
	}
}

// HandleDarajaCallback applies an asynchronous gateway result. Callbacks that
// do not match a known in-flight checkout id are logged and dropped.
func (e *Engine) HandleDarajaCallback(ctx context.Context, event daraja.CallbackEvent) error {
	userID := e.lookupInflight(event.CheckoutRequestID)
	if userID == "" && e.payments != nil {
		if id, err := e.payments.LookupChatUser(ctx, event.CheckoutRequestID); err == nil {
			userID = id
		}
	}
	if userID == "" {
		e.logger.Warn("dropping callback with unknown checkout id", "checkout_request_id", event.CheckoutRequestID)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("unknown_callback").Inc()
		}
		return nil
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session for callback: %w", err)
	}
	if sess.LastCheckoutID != event.CheckoutRequestID {
		e.logger.Warn("dropping callback not matching session's in-flight transaction",
			"user_id", userID,
			"checkout_request_id", event.CheckoutRequestID,
		)
		return nil
	}

	var report StatusReport
	switch outcome := event.Outcome(); outcome.State {
	case daraja.OutcomeSuccess:
		report = e.succeedLocked(ctx, sess, event.ReceiptNumber)
	case daraja.OutcomeFailure:
		report = e.failLocked(ctx, sess, outcome.Reason)
	default:
		return nil
	}

	if e.sender != nil && report.Message != "" {
		if err := e.sender.SendText(ctx, userID, report.Message); err != nil {
			e.logger.Error("notify user of payment outcome", "user_id", userID, "error", err)
		}
	}
	return nil
}

// RunPendingSweeper fails payments stuck pending past the deadline so the
// per-user in-flight slot cannot be locked out forever. Blocks until ctx is
// cancelled.
func (e *Engine) RunPendingSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	e.inflightMu.Lock()
	entries := make(map[string]inflightEntry, len(e.inflight))
	for checkoutID, entry := range e.inflight {
		entries[checkoutID] = entry
	}
	e.inflightMu.Unlock()

	for checkoutID, entry := range entries {
		stale := e.pendingDeadline > 0 && e.now().Sub(entry.initiatedAt) > e.pendingDeadline
		unlock := e.locks.Lock(entry.userID)
		sess, err := e.sessions.Get(ctx, entry.userID)
		if err != nil || sess.LastCheckoutID != checkoutID || !sess.InFlight() {
			// The session no longer tracks this checkout: evicted, expired, or
			// resolved through another path. Past the deadline the correlation
			// entry is dead weight.
			if stale {
				e.clearInflight(checkoutID)
			}
			unlock()
			continue
		}
		if stale {
			report := e.resolveLocked(ctx, sess)
			if e.sender != nil && report.State == ReportFailure {
				if err := e.sender.SendText(ctx, entry.userID, report.Message); err != nil {
					e.logger.Error("notify user of payment timeout", "user_id", entry.userID, "error", err)
				}
			}
		}
		unlock()
	}
}

func (e *Engine) succeedLocked(ctx context.Context, sess *session.Session, receipt string) StatusReport {
	checkoutID := sess.LastCheckoutID
	sess.Status = session.StatusPaymentSuccess
	if receipt != "" {
		sess.LastTransactionID = receipt
	}
	e.recordOutcome(ctx, checkoutID, "success", "The service request is processed successfully.", receipt)
	e.paymentOutcome("success")
	e.logger.Info("payment succeeded", "user_id", sess.UserID, "checkout_request_id", checkoutID, "receipt", receipt)

	msg := "Payment received. Thank you!"
	if receipt != "" {
		msg = fmt.Sprintf("Payment received. Your M-Pesa receipt is %s. Thank you!", receipt)
	}

	e.clearInflight(checkoutID)
	sess.Reset()
	e.putSession(ctx, sess)
	return StatusReport{State: ReportSuccess, Message: msg, Receipt: receipt}
}

func (e *Engine) failLocked(ctx context.Context, sess *session.Session, reason string) StatusReport {
	checkoutID := sess.LastCheckoutID
	sess.Status = session.StatusPaymentFailed
	e.recordOutcome(ctx, checkoutID, "failed", reason, "")
	e.paymentOutcome("failure")
	e.logger.Info("payment failed", "user_id", sess.UserID, "checkout_request_id", checkoutID, "reason", reason)

	msg := fmt.Sprintf("Your payment didn't go through: %s. You can try again whenever you're ready.", failureText(reason))

	e.clearInflight(checkoutID)
	sess.Reset()
	e.putSession(ctx, sess)
	return StatusReport{State: ReportFailure, Message: msg, Reason: reason}
}

func failureText(reason string) string {
	switch reason {
	case daraja.ReasonTimeout:
		return "the request timed out before it was approved"
	case "":
		return "the payment was declined"
	default:
		return reason
	}
}

func (e *Engine) recordOutcome(ctx context.Context, checkoutID, status, resultDesc, receipt string) {
	if e.payments == nil || checkoutID == "" {
		return
	}
	if err := e.payments.RecordOutcome(ctx, checkoutID, status, resultDesc, receipt); err != nil {
		e.logger.Error("record payment outcome", "checkout_request_id", checkoutID, "error", err)
	}
}

func (e *Engine) confirmPrompt(sess *session.Session) string {
	ref := ""
	if sess.AccountReference != "" {
		ref = fmt.Sprintf(" to till %s", sess.AccountReference)
	}
	return fmt.Sprintf("You're about to pay KES %d%s from %s. Reply YES to confirm or CANCEL to abort.",
		sess.PendingAmount, ref, sess.PhoneNumber)
}

func (e *Engine) putSession(ctx context.Context, sess *session.Session) {
	sess.Touch()
	if err := e.sessions.Put(ctx, sess); err != nil {
		e.logger.Error("persist session", "user_id", sess.UserID, "error", err)
	}
}

func (e *Engine) trackInflight(checkoutID, userID string) {
	e.inflightMu.Lock()
	e.inflight[checkoutID] = inflightEntry{userID: userID, initiatedAt: e.now()}
	e.inflightMu.Unlock()
}

func (e *Engine) clearInflight(checkoutID string) {
	if checkoutID == "" {
		return
	}
	e.inflightMu.Lock()
	delete(e.inflight, checkoutID)
	e.inflightMu.Unlock()
}

func (e *Engine) lookupInflight(checkoutID string) string {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return e.inflight[checkoutID].userID
}

func (e *Engine) gateDecision(decision string) {
	if e.metrics != nil {
		e.metrics.GateDecisions.WithLabelValues(decision).Inc()
	}
}

func (e *Engine) paymentOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.PaymentOutcomes.WithLabelValues(outcome).Inc()
	}
}
