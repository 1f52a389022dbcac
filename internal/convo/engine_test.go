package convo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mpesa-bot/internal/daraja"
	"mpesa-bot/internal/session"
)

type fakeGateway struct {
	mu        sync.Mutex
	initiated int64
	queried   int64

	initiateErr error
	queryState  daraja.OutcomeState
	queryReason string

	lastPhone  string
	lastAmount int64
	lastRef    string
}

func (g *fakeGateway) InitiatePayment(ctx context.Context, phoneNumber string, amount int64, accountRef, description string) (*daraja.PaymentAccepted, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	g.initiated++
	g.lastPhone = phoneNumber
	g.lastAmount = amount
	g.lastRef = accountRef
	return &daraja.PaymentAccepted{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.initiated),
		MerchantRequestID: "29115-34620561-1",
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried++
	state := g.queryState
	if state == "" {
		state = daraja.OutcomePending
	}
	return &daraja.Outcome{State: state, Reason: g.queryReason}, nil
}

func (g *fakeGateway) initiateCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiated
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) SendText(ctx context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, userID+": "+text)
	return nil
}

func newTestEngine(t *testing.T, gw Gateway) (*Engine, session.Store) {
	t.Helper()
	store := session.NewMemoryStore(0)
	eng, err := New(Config{
		Gateway:         gw,
		Sessions:        store,
		PendingDeadline: 2 * time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, store
}

const testUser = "254712345678"

func say(t *testing.T, eng *Engine, user, text string) string {
	t.Helper()
	reply, err := eng.HandleMessage(context.Background(), user, text)
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
	return reply
}

func TestAmountThenTillWithoutConfirmationIsBlocked(t *testing.T) {
	gw := &fakeGateway{}
	eng, _ := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	reply := say(t, eng, testUser, "174379")

	if !strings.Contains(reply, "Reply YES") {
		t.Fatalf("expected confirmation prompt, got %q", reply)
	}

	result := eng.InvokePaymentTool(context.Background(), ToolRequest{
		UserID:        testUser,
		LastUtterance: "174379",
	})
	if result.Success {
		t.Fatal("tool invocation without confirmation must be blocked")
	}
	if got := gw.initiateCount(); got != 0 {
		t.Fatalf("gateway called %d times, want 0", got)
	}
}

func TestConfirmationTriggersExactlyOnePayment(t *testing.T) {
	gw := &fakeGateway{}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "174379")
	reply := say(t, eng, testUser, "yes")

	if !strings.Contains(reply, "PIN") {
		t.Fatalf("expected STK push message, got %q", reply)
	}
	if got := gw.initiateCount(); got != 1 {
		t.Fatalf("gateway called %d times, want 1", got)
	}
	if gw.lastAmount != 100 {
		t.Fatalf("amount = %d, want 100", gw.lastAmount)
	}
	if gw.lastPhone != "254712345678" {
		t.Fatalf("phone = %q", gw.lastPhone)
	}
	if gw.lastRef != "174379" {
		t.Fatalf("account ref = %q, want till", gw.lastRef)
	}

	sess, err := store.Get(context.Background(), testUser)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusPaymentPending {
		t.Fatalf("status = %s, want payment_pending", sess.Status)
	}
	if sess.Confirmed {
		t.Fatal("confirmation must be spent after the gateway call")
	}
}

func TestStaleConfirmationDoesNotReplay(t *testing.T) {
	gw := &fakeGateway{}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")
	if got := gw.initiateCount(); got != 1 {
		t.Fatalf("gateway called %d times, want 1", got)
	}

	// Resolve the first payment so a second intent can start.
	sess, _ := store.Get(context.Background(), testUser)
	err := eng.HandleDarajaCallback(context.Background(), daraja.CallbackEvent{
		CheckoutRequestID: sess.LastCheckoutID,
		ResultCode:        "0",
		ReceiptNumber:     "NLJ7RT61SV",
	})
	if err != nil {
		t.Fatal(err)
	}

	// A fresh amount with no fresh confirmation must not ride on the old yes.
	say(t, eng, testUser, "pay 5000")
	result := eng.InvokePaymentTool(context.Background(), ToolRequest{
		UserID:        testUser,
		LastUtterance: "pay 5000",
	})
	if result.Success {
		t.Fatal("stale confirmation replayed against a new amount")
	}
	if got := gw.initiateCount(); got != 1 {
		t.Fatalf("gateway called %d times, want still 1", got)
	}
}

func TestGatewayRejectionResetsSession(t *testing.T) {
	gw := &fakeGateway{initiateErr: &daraja.RejectedError{Reason: "Insufficient funds"}}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	reply := say(t, eng, testUser, "yes")

	if !strings.Contains(reply, "Insufficient funds") {
		t.Fatalf("reply should carry the gateway reason, got %q", reply)
	}
	sess, _ := store.Get(context.Background(), testUser)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle", sess.Status)
	}
	if sess.PendingAmount != 0 {
		t.Fatal("pending amount must be cleared after rejection")
	}
}

func TestTransportErrorKeepsIntentButSpendsConfirmation(t *testing.T) {
	gw := &fakeGateway{initiateErr: &daraja.RejectedError{Reason: daraja.ReasonNetworkError}}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	reply := say(t, eng, testUser, "yes")

	if !strings.Contains(reply, "try again") {
		t.Fatalf("expected retry-later message, got %q", reply)
	}
	sess, _ := store.Get(context.Background(), testUser)
	if sess.Status != session.StatusAwaitingConfirmation {
		t.Fatalf("status = %s, want awaiting_confirmation", sess.Status)
	}
	if sess.PendingAmount != 100 {
		t.Fatalf("pending amount = %d, want 100", sess.PendingAmount)
	}
	if sess.Confirmed {
		t.Fatal("confirmation must be spent even on transport failure")
	}
}

func TestServiceOutageKeepsIntent(t *testing.T) {
	gw := &fakeGateway{initiateErr: &daraja.RejectedError{Reason: daraja.ReasonServiceUnavailable}}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	reply := say(t, eng, testUser, "yes")

	if !strings.Contains(reply, "try again") {
		t.Fatalf("expected retry-later message, got %q", reply)
	}
	sess, _ := store.Get(context.Background(), testUser)
	if sess.Status != session.StatusAwaitingConfirmation {
		t.Fatalf("status = %s, want awaiting_confirmation", sess.Status)
	}
	if sess.PendingAmount != 100 {
		t.Fatalf("pending amount = %d, want 100", sess.PendingAmount)
	}
}

func TestStatusCheckWithNoTransaction(t *testing.T) {
	gw := &fakeGateway{}
	eng, _ := newTestEngine(t, gw)

	report := eng.ResolveStatus(context.Background(), testUser)
	if report.State != ReportNoActiveTransaction {
		t.Fatalf("state = %s, want no_active_transaction", report.State)
	}
	if report.Message == "" {
		t.Fatal("report must carry a user-facing message")
	}
}

func TestSecondPaymentRejectedWhilePending(t *testing.T) {
	gw := &fakeGateway{}
	eng, _ := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")

	result := eng.InvokePaymentTool(context.Background(), ToolRequest{
		UserID:        testUser,
		Amount:        200,
		LastUtterance: "yes",
	})
	if result.Success {
		t.Fatal("second payment must be rejected while one is pending")
	}
	if !strings.Contains(result.Message, "already in progress") {
		t.Fatalf("message = %q", result.Message)
	}
	if got := gw.initiateCount(); got != 1 {
		t.Fatalf("gateway called %d times, want 1", got)
	}
}

func TestNewAmountRejectedWhilePaymentPending(t *testing.T) {
	gw := &fakeGateway{queryState: daraja.OutcomePending}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")
	sess, _ := store.Get(context.Background(), testUser)
	firstCheckout := sess.LastCheckoutID

	reply := say(t, eng, testUser, "pay 200")
	if !strings.Contains(reply, "already in progress") {
		t.Fatalf("expected in-progress rejection, got %q", reply)
	}
	sess, _ = store.Get(context.Background(), testUser)
	if sess.Status != session.StatusPaymentPending {
		t.Fatalf("status = %s, want payment_pending", sess.Status)
	}
	if sess.LastCheckoutID != firstCheckout {
		t.Fatalf("checkout id = %q, want %q", sess.LastCheckoutID, firstCheckout)
	}

	// A follow-up yes must not reach the gateway while the first payment is
	// unresolved.
	say(t, eng, testUser, "yes")
	if got := gw.initiateCount(); got != 1 {
		t.Fatalf("gateway called %d times, want 1", got)
	}
}

func TestConcurrentConfirmationsTriggerOnePayment(t *testing.T) {
	gw := &fakeGateway{}
	eng, _ := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")

	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := eng.HandleMessage(context.Background(), testUser, "yes")
			if err == nil && strings.Contains(reply, "PIN") {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := gw.initiateCount(); got != 1 {
		t.Fatalf("gateway called %d times, want exactly 1", got)
	}
	if got := successes.Load(); got != 1 {
		t.Fatalf("%d confirmations reported success, want 1", got)
	}
}

func TestConfirmedAmountCannotBeSwapped(t *testing.T) {
	gw := &fakeGateway{}
	eng, _ := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")

	// Simulate the agent confirming on the user's behalf but with a
	// different amount than the one on the table.
	sess, _ := eng.sessions.Get(context.Background(), testUser)
	sess.Confirmed = true
	if err := eng.sessions.Put(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	result := eng.InvokePaymentTool(context.Background(), ToolRequest{
		UserID:        testUser,
		Amount:        5000,
		LastUtterance: "yes",
	})
	if result.Success {
		t.Fatal("amount swap rode on an existing confirmation")
	}
	if got := gw.initiateCount(); got != 0 {
		t.Fatalf("gateway called %d times, want 0", got)
	}
}

func TestCallbackSuccessResolvesAndNotifies(t *testing.T) {
	gw := &fakeGateway{}
	sender := &fakeSender{}
	store := session.NewMemoryStore(0)
	eng, err := New(Config{
		Gateway:  gw,
		Sessions: store,
		Sender:   sender,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")

	sess, _ := store.Get(context.Background(), testUser)
	event := daraja.CallbackEvent{
		CheckoutRequestID: sess.LastCheckoutID,
		ResultCode:        "0",
		ResultDesc:        "The service request is processed successfully.",
		ReceiptNumber:     "NLJ7RT61SV",
	}
	if err := eng.HandleDarajaCallback(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	sess, _ = store.Get(context.Background(), testUser)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle after resolution", sess.Status)
	}
	if sess.LastCheckoutID != "" {
		t.Fatal("checkout id must be cleared after resolution")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "NLJ7RT61SV") {
		t.Fatalf("sent = %v, want one receipt notification", sender.sent)
	}
}

func TestUnmatchedCallbackIsDropped(t *testing.T) {
	gw := &fakeGateway{}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")

	before, _ := store.Get(context.Background(), testUser)

	event := daraja.CallbackEvent{
		CheckoutRequestID: "ws_CO_never_issued",
		ResultCode:        "0",
	}
	if err := eng.HandleDarajaCallback(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	after, _ := store.Get(context.Background(), testUser)
	if after.Status != before.Status || after.LastCheckoutID != before.LastCheckoutID {
		t.Fatal("unmatched callback mutated session state")
	}
}

func TestCallbackFailureReportsReason(t *testing.T) {
	gw := &fakeGateway{}
	sender := &fakeSender{}
	store := session.NewMemoryStore(0)
	eng, err := New(Config{Gateway: gw, Sessions: store, Sender: sender},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")

	sess, _ := store.Get(context.Background(), testUser)
	event := daraja.CallbackEvent{
		CheckoutRequestID: sess.LastCheckoutID,
		ResultCode:        "1032",
		ResultDesc:        "Request cancelled by user",
	}
	if err := eng.HandleDarajaCallback(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	sess, _ = store.Get(context.Background(), testUser)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle", sess.Status)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "Request cancelled by user") {
		t.Fatalf("sent = %v", sender.sent)
	}
}

func TestPendingDeadlineTimesOut(t *testing.T) {
	gw := &fakeGateway{queryState: daraja.OutcomePending}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")

	// Move the clock well past the deadline.
	eng.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	report := eng.ResolveStatus(context.Background(), testUser)
	if report.State != ReportFailure {
		t.Fatalf("state = %s, want failure", report.State)
	}
	if report.Reason != daraja.ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", report.Reason)
	}
	sess, _ := store.Get(context.Background(), testUser)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle after timeout", sess.Status)
	}
}

func TestSweeperDropsOrphanedCorrelations(t *testing.T) {
	gw := &fakeGateway{queryState: daraja.OutcomePending}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	say(t, eng, testUser, "yes")
	sess, _ := store.Get(context.Background(), testUser)
	checkoutID := sess.LastCheckoutID

	// Session evicted while the payment was pending: the correlation entry no
	// longer has a session to resolve against.
	if err := store.Delete(context.Background(), testUser); err != nil {
		t.Fatal(err)
	}

	eng.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	eng.sweepOnce(context.Background())

	if got := eng.lookupInflight(checkoutID); got != "" {
		t.Fatalf("correlation entry for %s still maps to %q after sweep", checkoutID, got)
	}
}

func TestCancellationResetsIntent(t *testing.T) {
	gw := &fakeGateway{}
	eng, store := newTestEngine(t, gw)

	say(t, eng, testUser, "pay 100")
	reply := say(t, eng, testUser, "cancel")
	if !strings.Contains(reply, "cancelled") {
		t.Fatalf("reply = %q", reply)
	}

	sess, _ := store.Get(context.Background(), testUser)
	if sess.Status != session.StatusIdle || sess.PendingAmount != 0 {
		t.Fatal("cancel must return the session to idle")
	}
}

func TestBareNumberWhileAwaitingAmount(t *testing.T) {
	gw := &fakeGateway{}
	eng, _ := newTestEngine(t, gw)

	// Force the awaiting_amount state through the tool path.
	result := eng.InvokePaymentTool(context.Background(), ToolRequest{
		UserID:        testUser,
		LastUtterance: "I want to pay for my order",
	})
	if result.Success {
		t.Fatal("invocation without an amount must not succeed")
	}

	reply := say(t, eng, testUser, "250")
	if !strings.Contains(reply, "KES 250") {
		t.Fatalf("bare number should be taken as the amount, got %q", reply)
	}
}
