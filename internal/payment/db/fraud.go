package db

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FraudSeverity is spec §4.3's fraud record severity.
type FraudSeverity string

const (
	SeverityWarning FraudSeverity = "warning"
	SeverityMinor   FraudSeverity = "minor"
	SeverityMajor   FraudSeverity = "major"
)

// FraudRecord mirrors spec §3's FraudRecord entity.
type FraudRecord struct {
	UserAddress   string
	PaymentID     string
	Declared      int64
	Actual        int64
	DeviationPct  decimal.Decimal
	Severity      FraudSeverity
	Action        string
	CreatedAt     time.Time
}

// InsertFraudRecord records a declared-vs-actual deviation.
func InsertFraudRecord(ctx context.Context, q Querier, r *FraudRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment.fraud_attempt
			(user_address, payment_id, declared, actual, deviation_pct, severity, action)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.UserAddress, r.PaymentID, r.Declared, r.Actual, r.DeviationPct, r.Severity, r.Action)
	if err != nil {
		return fmt.Errorf("insert fraud record: %w", err)
	}
	return nil
}

// CountFraudLast30Days counts fraud records (minor or major) for a user in
// the trailing 30 days, used by the ban threshold check (spec §4.3).
func CountFraudLast30Days(ctx context.Context, q Querier, userAddress string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM payment.fraud_attempt
		WHERE user_address = $1
		  AND severity IN ('minor', 'major')
		  AND created_at > NOW() - INTERVAL '30 days'
	`, userAddress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fraud: %w", err)
	}
	return n, nil
}

// Ban mirrors spec §3's Ban entity.
type Ban struct {
	UserAddress  string
	Reason       string
	BannedAt     time.Time
	ExpiresAt    *time.Time // nil = permanent
	AttemptCount int
}

// InsertBan records a ban. durationDays=0 means permanent (expires_at nil).
func InsertBan(ctx context.Context, q Querier, userAddress, reason string, durationDays int) error {
	var expiresAt *time.Time
	if durationDays > 0 {
		t := time.Now().AddDate(0, 0, durationDays)
		expiresAt = &t
	}
	_, err := q.Exec(ctx, `
		INSERT INTO payment.ban (user_address, reason, banned_at, expires_at, attempt_count)
		VALUES ($1, $2, NOW(), $3, 1)
	`, userAddress, reason, expiresAt)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// IsBanned reports whether userAddress currently has an active (unexpired)
// ban, per spec §4.3 step 3.
func IsBanned(ctx context.Context, q Querier, userAddress string) (bool, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM payment.ban
		WHERE user_address = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, userAddress).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return n > 0, nil
}
