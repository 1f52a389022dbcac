package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrPaymentNotFound is returned when no payment matches the lookup key.
var ErrPaymentNotFound = errors.New("repo: payment not found")

// InsertPayment stores a freshly accepted STK push request.
func (r *PostgresRepository) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	const q = `
INSERT INTO payments (user_id, checkout_request_id, merchant_request_id, phone_number, amount, account_reference, description, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at, updated_at;
`
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	meta, err := toJSON(p.Metadata)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, q,
		p.UserID,
		p.CheckoutRequestID,
		p.MerchantRequestID,
		p.PhoneNumber,
		p.Amount,
		p.AccountReference,
		p.Description,
		p.Status,
		jsonParam(meta),
	)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return &p, nil
}

// GetPaymentByCheckoutID looks up a payment by the gateway correlation id.
func (r *PostgresRepository) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	const q = `
SELECT id, user_id, checkout_request_id, merchant_request_id, phone_number, amount, account_reference, description, status, result_desc, receipt_number, metadata, created_at, updated_at
FROM payments
WHERE checkout_request_id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, checkoutRequestID)
	var p Payment
	var metaJSON []byte
	err := row.Scan(&p.ID, &p.UserID, &p.CheckoutRequestID, &p.MerchantRequestID, &p.PhoneNumber, &p.Amount, &p.AccountReference, &p.Description, &p.Status, &p.ResultDesc, &p.ReceiptNumber, &metaJSON, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by checkout id: %w", err)
	}
	p.Metadata = fromJSON(metaJSON)
	return &p, nil
}

// UpdatePaymentStatus records the settlement outcome for a payment.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, checkoutRequestID, status, resultDesc, receiptNumber string) error {
	const q = `
UPDATE payments
SET status = $2,
    result_desc = $3,
    receipt_number = COALESCE(NULLIF($4, ''), receipt_number),
    updated_at = NOW()
WHERE checkout_request_id = $1;
`
	tag, err := r.pool.Exec(ctx, q, checkoutRequestID, status, resultDesc, receiptNumber)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ListStalePendingPayments returns pending payments initiated before the cutoff.
func (r *PostgresRepository) ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	const q = `
SELECT id, user_id, checkout_request_id, merchant_request_id, phone_number, amount, account_reference, description, status, result_desc, receipt_number, metadata, created_at, updated_at
FROM payments
WHERE status = $1 AND created_at < $2
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, PaymentStatusPending, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale pending payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		var metaJSON []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.CheckoutRequestID, &p.MerchantRequestID, &p.PhoneNumber, &p.Amount, &p.AccountReference, &p.Description, &p.Status, &p.ResultDesc, &p.ReceiptNumber, &metaJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale pending payment: %w", err)
		}
		p.Metadata = fromJSON(metaJSON)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale pending payments: %w", err)
	}
	return payments, nil
}
