package db

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSuchUser is returned when a row-lock is requested for a user that
// has never received credit (spec §3: "created lazily on first credit").
var ErrNoSuchUser = errors.New("payment/db: no such user")

// User mirrors spec §3's User entity — identified by (address, kind).
type User struct {
	Address        string
	AddressKind    string // one of A,E,S,P,B,K
	BalanceCredits int64
}

// GetOrCreateUserForUpdate row-locks the user (address, kind), creating it
// with a zero balance on first sight ("immortal: created lazily on first
// credit"), and returns it locked for the remainder of q's transaction.
// Callers MUST invoke this inside a transaction — the row-lock it takes
// (`FOR UPDATE`) is the "hot lock" spec §5 requires every balance mutation
// to serialize on.
func GetOrCreateUserForUpdate(ctx context.Context, q Querier, address, kind string) (*User, error) {
	var u User
	err := q.QueryRow(ctx, `
		INSERT INTO payment."user" (address, address_kind, balance_credits)
		VALUES ($1, $2, 0)
		ON CONFLICT (address, address_kind) DO UPDATE SET address = EXCLUDED.address
		RETURNING address, address_kind, balance_credits
	`, address, kind).Scan(&u.Address, &u.AddressKind, &u.BalanceCredits)
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	// The UPSERT above does not itself take a row lock visible to the
	// caller's later statements in the same transaction the way a plain
	// SELECT ... FOR UPDATE would communicate intent, so re-select with
	// an explicit lock now that the row is guaranteed to exist.
	err = q.QueryRow(ctx, `
		SELECT address, address_kind, balance_credits
		FROM payment."user"
		WHERE address = $1 AND address_kind = $2
		FOR UPDATE
	`, address, kind).Scan(&u.Address, &u.AddressKind, &u.BalanceCredits)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return &u, nil
}

// SumHeldReservations returns the sum of credits_reserved for this user's
// currently-held reservations, used by reserveCredit's admission check
// (spec §3: "sum(held reservations for user) <= balance_credits").
func SumHeldReservations(ctx context.Context, q Querier, address, kind string) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_reserved), 0)
		FROM payment.reservation
		WHERE user_address = $1 AND user_address_kind = $2 AND status = 'held'
	`, address, kind).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum held reservations: %w", err)
	}
	return sum, nil
}

// SetBalance writes the user's new balance (called only by adjustBalance
// under the same row lock GetOrCreateUserForUpdate took).
func SetBalance(ctx context.Context, q Querier, address, kind string, balance int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE payment."user" SET balance_credits = $3
		WHERE address = $1 AND address_kind = $2
	`, address, kind, balance)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchUser
	}
	return nil
}
