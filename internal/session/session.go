package session

import "time"

// Status tracks where a conversation is in the payment flow.
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusAwaitingAmount       Status = "awaiting_amount"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusPaymentPending       Status = "payment_pending"
	StatusPaymentSuccess       Status = "payment_success"
	StatusPaymentFailed        Status = "payment_failed"
)

// Session holds the per-user payment intent state. One session exists per
// conversation identity; it is created lazily on first contact and safe to
// evict, since an idle default is always reconstructible.
type Session struct {
	UserID           string `json:"user_id"`
	PhoneNumber      string `json:"phone_number,omitempty"`
	PendingAmount    int64  `json:"pending_amount,omitempty"`
	AccountReference string `json:"account_reference,omitempty"`
	// Confirmed is single-use: set when the last utterance matched a
	// confirmation phrase while awaiting_confirmation, cleared the moment a
	// gateway call is issued.
	Confirmed         bool      `json:"confirmed,omitempty"`
	LastCheckoutID    string    `json:"last_checkout_id,omitempty"`
	LastTransactionID string    `json:"last_transaction_id,omitempty"`
	Status            Status    `json:"status"`
	InitiatedAt       time.Time `json:"initiated_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewSession returns a fresh idle session for the given user.
func NewSession(userID string) *Session {
	return &Session{
		UserID:    userID,
		Status:    StatusIdle,
		UpdatedAt: time.Now(),
	}
}

// Reset returns the session to idle and clears amount, confirmation and
// transaction identifiers. The phone number is kept: users rarely switch
// numbers mid-conversation and re-asking for it is hostile.
func (s *Session) Reset() {
	s.PendingAmount = 0
	s.AccountReference = ""
	s.Confirmed = false
	s.LastCheckoutID = ""
	s.LastTransactionID = ""
	s.Status = StatusIdle
	s.InitiatedAt = time.Time{}
	s.UpdatedAt = time.Now()
}

// Touch refreshes the modification timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// InFlight reports whether a gateway transaction is currently pending.
func (s *Session) InFlight() bool {
	return s.Status == StatusPaymentPending && s.LastCheckoutID != ""
}
