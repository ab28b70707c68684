package db

import (
	"context"
	"fmt"
)

// AuditReason is the tagged variant over spec §3's audit_log.reason.
type AuditReason string

const (
	ReasonPayment            AuditReason = "payment"
	ReasonTopup              AuditReason = "topup"
	ReasonX402Settlement     AuditReason = "x402_settlement"
	ReasonReservationHold    AuditReason = "reservation_hold"
	ReasonReservationConsume AuditReason = "reservation_consume"
	ReasonReservationRefund  AuditReason = "reservation_refund"
	ReasonOverpaymentRefund  AuditReason = "overpayment_refund"
	ReasonFraudPenalty       AuditReason = "fraud_penalty"
)

// InsertAuditLog appends an audit entry. Every balance mutation in
// internal/payment/ledger calls this in the same transaction as the
// balance write, so `balance_credits = sum(audit_log.delta)` (spec §3)
// always holds.
func InsertAuditLog(ctx context.Context, q Querier, userAddress string, delta int64, reason AuditReason, referenceID string, resultingBalance int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment.audit_log (user_address, delta, reason, reference_id, resulting_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, userAddress, delta, reason, referenceID, resultingBalance)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// SumAuditDeltas returns the sum of every audit_log.delta for userAddress,
// used by tests asserting spec §3's balance invariant.
func SumAuditDeltas(ctx context.Context, q Querier, userAddress string) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM payment.audit_log WHERE user_address = $1
	`, userAddress).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum audit deltas: %w", err)
	}
	return sum, nil
}
