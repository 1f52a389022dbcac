package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Users --

func (r *SQLiteRepository) UpsertUserByWA(ctx context.Context, profile UserProfile) (*User, error) {
	// SQLite does not generate UUIDs, so ids come from Go.
	const q = `
INSERT INTO users (id, wa_id, wa_jid, display_name, phone_number, language_preference, timezone, updated_at)
VALUES (?, ?, ?, ?, ?, COALESCE(?, 'en-KE'), COALESCE(?, 'Africa/Nairobi'), CURRENT_TIMESTAMP)
ON CONFLICT (wa_id) DO UPDATE SET
    wa_jid = excluded.wa_jid,
    display_name = COALESCE(excluded.display_name, users.display_name),
    phone_number = COALESCE(excluded.phone_number, users.phone_number),
    language_preference = COALESCE(excluded.language_preference, users.language_preference),
    timezone = COALESCE(excluded.timezone, users.timezone),
    updated_at = CURRENT_TIMESTAMP
RETURNING id, wa_id, wa_jid, display_name, phone_number, language_preference, timezone, created_at, updated_at;
`
	row := r.db.QueryRowContext(ctx, q,
		uuid.NewString(),
		profile.WAID,
		profile.WAJID,
		profile.DisplayName,
		profile.PhoneNumber,
		profile.LanguagePreference,
		profile.Timezone,
	)

	var u User
	if err := row.Scan(&u.ID, &u.WAID, &u.WAJID, &u.DisplayName, &u.PhoneNumber, &u.LanguagePreference, &u.Timezone, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	const q = `
SELECT id, wa_id, wa_jid, display_name, phone_number, language_preference, timezone, created_at, updated_at
FROM users
WHERE id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, id)
	var user User
	if err := row.Scan(&user.ID, &user.WAID, &user.WAJID, &user.DisplayName, &user.PhoneNumber, &user.LanguagePreference, &user.Timezone, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}

// -- Messages --

func (r *SQLiteRepository) InsertMessage(ctx context.Context, msg MessageRecord) error {
	payload, err := toJSON(msg.RawPayload)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO messages (id, user_id, direction, message_type, content, raw_payload)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err = r.db.ExecContext(ctx, q,
		uuid.NewString(),
		msg.UserID,
		msg.Direction,
		msg.Type,
		msg.Content,
		jsonParam(payload),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListRecentMessages(ctx context.Context, userID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT direction, message_type, content, created_at
FROM messages
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var msg MessageRecord
		if err := rows.Scan(&msg.Direction, &msg.Type, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		msg.UserID = userID
		records = append(records, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return records, nil
}

// -- Payments --

func (r *SQLiteRepository) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	meta, err := toJSON(p.Metadata)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO payments (id, user_id, checkout_request_id, merchant_request_id, phone_number, amount, account_reference, description, status, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id, created_at, updated_at;
`
	row := r.db.QueryRowContext(ctx, q,
		uuid.NewString(),
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

func (r *SQLiteRepository) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	const q = `
SELECT id, user_id, checkout_request_id, merchant_request_id, phone_number, amount, account_reference, description, status, result_desc, receipt_number, metadata, created_at, updated_at
FROM payments
WHERE checkout_request_id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, checkoutRequestID)
	var p Payment
	var metaJSON []byte
	err := row.Scan(&p.ID, &p.UserID, &p.CheckoutRequestID, &p.MerchantRequestID, &p.PhoneNumber, &p.Amount, &p.AccountReference, &p.Description, &p.Status, &p.ResultDesc, &p.ReceiptNumber, &metaJSON, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by checkout id: %w", err)
	}
	p.Metadata = fromJSON(metaJSON)
	return &p, nil
}

func (r *SQLiteRepository) UpdatePaymentStatus(ctx context.Context, checkoutRequestID, status, resultDesc, receiptNumber string) error {
	const q = `
UPDATE payments
SET status = ?,
    result_desc = ?,
    receipt_number = COALESCE(NULLIF(?, ''), receipt_number),
    updated_at = CURRENT_TIMESTAMP
WHERE checkout_request_id = ?;
`
	ct, err := r.db.ExecContext(ctx, q, status, resultDesc, receiptNumber, checkoutRequestID)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *SQLiteRepository) ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	const q = `
SELECT id, user_id, checkout_request_id, merchant_request_id, phone_number, amount, account_reference, description, status, result_desc, receipt_number, metadata, created_at, updated_at
FROM payments
WHERE status = ? AND created_at < ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, PaymentStatusPending, olderThan)
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

// -- Helpers --

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// jsonParam keeps NULL semantics for empty payloads.
func jsonParam(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
