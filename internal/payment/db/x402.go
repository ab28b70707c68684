package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNonceReplayed is returned when a (nonce, from, network) triple has
// already been recorded — spec §4.3 step 2: "on conflict return
// NonceReplayed — do not proceed to signature verification nor settlement."
var ErrNonceReplayed = errors.New("payment/db: nonce replayed")

// InsertNonce atomically reserves a (nonce, from, network) triple. It must
// be called — and succeed — before any signature verification or
// settlement is attempted, per spec §4.3 step 2.
func InsertNonce(ctx context.Context, q Querier, nonce, from, network string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment.x402_nonce (nonce, from_address, network)
		VALUES ($1, $2, $3)
	`, nonce, from, network)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNonceReplayed
		}
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}

// AttachNonceToPayment records the payment_id the nonce's payment finally
// resolved to (spec §4.3 step 9: "update the x402_nonce row with payment_id").
func AttachNonceToPayment(ctx context.Context, q Querier, nonce, paymentID string) error {
	_, err := q.Exec(ctx, `
		UPDATE payment.x402_nonce SET payment_id = $2 WHERE nonce = $1
	`, nonce, paymentID)
	if err != nil {
		return fmt.Errorf("attach nonce to payment: %w", err)
	}
	return nil
}

// X402PaymentStatus is spec §3's x402_payment.status enum.
type X402PaymentStatus string

const (
	X402PendingValidation X402PaymentStatus = "pending_validation"
	X402Confirmed         X402PaymentStatus = "confirmed"
	X402FraudPenalty      X402PaymentStatus = "fraud_penalty"
	X402Refunded          X402PaymentStatus = "refunded"
	X402Failed            X402PaymentStatus = "failed"
)

// X402Mode is spec §4.3's payment mode.
type X402Mode string

const (
	ModePayg   X402Mode = "payg"
	ModeTopup  X402Mode = "topup"
	ModeHybrid X402Mode = "hybrid"
)

// X402Payment mirrors spec §3's x402Payment entity.
type X402Payment struct {
	PaymentID       string
	TxHash          string
	Nonce           string
	FromAddress     string
	UserAddressKind string
	ToAddress       string
	Network         string
	USDCAmount     string
	CreditAmount   int64
	DeclaredBytes  int64
	ActualBytes    *int64
	Mode           X402Mode
	Status         X402PaymentStatus
	CreatedAt      time.Time
	FinalizedAt    *time.Time
	ReservationID  *string
}

// InsertX402Payment creates the payment row in pending_validation status
// (spec §4.3 step 9). tx_hash is UNIQUE: settlement is expected to be
// idempotent, so a duplicate tx_hash here indicates a caller bug, not a
// user-triggerable race — it surfaces as a plain error.
func InsertX402Payment(ctx context.Context, q Querier, p *X402Payment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment.x402_payment
			(payment_id, tx_hash, nonce, from_address, user_address_kind, to_address, network,
			 usdc_amount, credit_amount, declared_bytes, mode, status, reservation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.PaymentID, p.TxHash, p.Nonce, p.FromAddress, p.UserAddressKind, p.ToAddress, p.Network,
		p.USDCAmount, p.CreditAmount, p.DeclaredBytes, p.Mode, p.Status, p.ReservationID)
	if err != nil {
		return fmt.Errorf("insert x402 payment: %w", err)
	}
	return nil
}

// GetX402PaymentForUpdate row-locks a payment by id, used by finalizeX402.
func GetX402PaymentForUpdate(ctx context.Context, q Querier, paymentID string) (*X402Payment, error) {
	var p X402Payment
	err := q.QueryRow(ctx, `
		SELECT payment_id, tx_hash, nonce, from_address, user_address_kind, to_address, network,
		       usdc_amount, credit_amount, declared_bytes, actual_bytes, mode, status,
		       created_at, finalized_at, reservation_id
		FROM payment.x402_payment
		WHERE payment_id = $1
		FOR UPDATE
	`, paymentID).Scan(&p.PaymentID, &p.TxHash, &p.Nonce, &p.FromAddress, &p.UserAddressKind, &p.ToAddress, &p.Network,
		&p.USDCAmount, &p.CreditAmount, &p.DeclaredBytes, &p.ActualBytes, &p.Mode, &p.Status,
		&p.CreatedAt, &p.FinalizedAt, &p.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("get x402 payment: %w", err)
	}
	return &p, nil
}

// FinalizeX402Payment records the finalize verdict (spec §4.3 "Finalize").
func FinalizeX402Payment(ctx context.Context, q Querier, paymentID string, actualBytes int64, status X402PaymentStatus) error {
	_, err := q.Exec(ctx, `
		UPDATE payment.x402_payment
		SET actual_bytes = $2, status = $3, finalized_at = NOW()
		WHERE payment_id = $1
	`, paymentID, actualBytes, status)
	if err != nil {
		return fmt.Errorf("finalize x402 payment: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
