package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	UpsertUserByWA(ctx context.Context, profile UserProfile) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Messages
	InsertMessage(ctx context.Context, msg MessageRecord) error
	ListRecentMessages(ctx context.Context, userID string, limit int) ([]MessageRecord, error)

	// Payments
	InsertPayment(ctx context.Context, payment Payment) (*Payment, error)
	GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, checkoutRequestID, status, resultDesc, receiptNumber string) error
	ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]Payment, error)
}
