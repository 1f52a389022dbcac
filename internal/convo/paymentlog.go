package convo

import (
	"context"
	"fmt"

	"mpesa-bot/internal/repo"
)

// RepoPaymentLog persists payment attempts through the repository layer. The
// chat identity travels in payment metadata so callbacks can be correlated
// back to a conversation even after a process restart.
type RepoPaymentLog struct {
	repo repo.Repository
}

// NewRepoPaymentLog wraps a repository as a PaymentLog.
func NewRepoPaymentLog(r repo.Repository) *RepoPaymentLog {
	return &RepoPaymentLog{repo: r}
}

func (l *RepoPaymentLog) RecordInitiated(ctx context.Context, rec PaymentRecord) error {
	user, err := l.repo.UpsertUserByWA(ctx, repo.UserProfile{
		WAID:        rec.ChatUserID,
		PhoneNumber: &rec.PhoneNumber,
	})
	if err != nil {
		return fmt.Errorf("upsert paying user: %w", err)
	}

	_, err = l.repo.InsertPayment(ctx, repo.Payment{
		UserID:            user.ID,
		CheckoutRequestID: rec.CheckoutRequestID,
		MerchantRequestID: rec.MerchantRequestID,
		PhoneNumber:       rec.PhoneNumber,
		Amount:            rec.Amount,
		AccountReference:  rec.AccountReference,
		Description:       rec.Description,
		Status:            repo.PaymentStatusPending,
		Metadata: map[string]any{
			"chat_user_id": rec.ChatUserID,
		},
	})
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (l *RepoPaymentLog) RecordOutcome(ctx context.Context, checkoutRequestID, status, resultDesc, receiptNumber string) error {
	dbStatus := repo.PaymentStatusFailed
	if status == "success" {
		dbStatus = repo.PaymentStatusSuccess
	}
	return l.repo.UpdatePaymentStatus(ctx, checkoutRequestID, dbStatus, resultDesc, receiptNumber)
}

func (l *RepoPaymentLog) LookupChatUser(ctx context.Context, checkoutRequestID string) (string, error) {
	payment, err := l.repo.GetPaymentByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return "", err
	}
	if id, ok := payment.Metadata["chat_user_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("payment %s has no chat user id", checkoutRequestID)
}
