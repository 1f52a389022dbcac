package repo

import "time"

// Payment status values persisted in the payments table.
const (
	PaymentStatusPending = "pending"
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// User represents the users table row.
type User struct {
	ID                 string
	WAID               string
	WAJID              *string
	DisplayName        *string
	PhoneNumber        *string
	LanguagePreference string
	Timezone           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserProfile carries data used to upsert a user.
type UserProfile struct {
	WAID               string
	WAJID              *string
	DisplayName        *string
	PhoneNumber        *string
	LanguagePreference *string
	Timezone           *string
}

// MessageRecord is used to persist conversation logs.
type MessageRecord struct {
	UserID     string
	Direction  string
	Type       string
	Content    *string
	RawPayload any
	CreatedAt  time.Time
}

// Payment represents a row in the payments table: one STK push attempt and
// its eventual outcome.
type Payment struct {
	ID                string
	UserID            string
	CheckoutRequestID string
	MerchantRequestID string
	PhoneNumber       string
	Amount            int64
	AccountReference  string
	Description       string
	Status            string
	ResultDesc        string
	ReceiptNumber     string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
