// Package x402 implements spec §4.3's HTTP-402 payment protocol:
// signature verification, nonce-replay protection, settlement via the
// facilitator, and application of the payg/topup/hybrid mode. Grounded on
// the teacher's gateway/x402/middleware.go request flow (parse header,
// verify, settle, then let the request through) generalized from a single
// in-process HTTP middleware into a standalone verify-then-settle
// operation the payment service's private surface exposes.
package x402

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/clock"
	"github.com/ar-permaweb/turbo/internal/money"
	"github.com/ar-permaweb/turbo/internal/payment/db"
	"github.com/ar-permaweb/turbo/internal/payment/facilitator"
	"github.com/ar-permaweb/turbo/internal/payment/ledger"
	"github.com/ar-permaweb/turbo/internal/payment/priceoracle"
	"github.com/ar-permaweb/turbo/internal/payment/x402types"
)

// Service orchestrates the x402 verify+settle and finalize operations.
type Service struct {
	DB          *db.DB
	Ledger      *ledger.Ledger
	Oracle      priceoracle.Oracle
	Facilitator facilitator.Client
	Clock       clock.Clock
	Networks    map[string]x402types.NetworkConfig

	FraudTolerancePct    float64
	FraudWarningPct      float64
	FraudBanCount        int
	FraudBanDays         int
	OverpaymentThreshold float64
}

// VerifyAndSettleRequest is the input to VerifyAndSettle (spec §6
// POST /private/x402/verifyAndSettle, mirroring the public
// /v1/x402/payment/{kind}/{addr} request body).
type VerifyAndSettleRequest struct {
	UserAddress     string
	UserAddressKind string
	PaymentHeader   string // base64 X-PAYMENT header
	DeclaredBytes   int64
	Mode            db.X402Mode
}

// VerifyAndSettleResult is the response spec §6 describes:
// {paymentId, txHash, wincPaid, wincReserved, wincCredited, mode}.
type VerifyAndSettleResult struct {
	PaymentID      string
	TxHash         string
	CreditsPaid    money.Credits
	CreditsReserved money.Credits
	CreditsCredited money.Credits
	Mode           db.X402Mode
	ReservationID  string
}

// VerifyAndSettle implements spec §4.3's 10-step verification sequence.
func (s *Service) VerifyAndSettle(ctx context.Context, req VerifyAndSettleRequest) (*VerifyAndSettleResult, error) {
	header, err := x402types.ParseHeader(req.PaymentHeader)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "parse x402 header", err)
	}
	auth := header.Payload.Authorization

	netCfg, ok := s.Networks[header.Network]
	if !ok || !netCfg.Enabled {
		return nil, apperr.New(apperr.BadRequest, "network not enabled: "+header.Network)
	}

	// Step 2: reserve the nonce before anything else. A conflict here
	// short-circuits before signature verification or settlement.
	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := db.InsertNonce(ctx, tx, auth.Nonce, auth.From, header.Network); err != nil {
		if err == db.ErrNonceReplayed {
			return nil, apperr.New(apperr.NonceReplayed, "nonce already used")
		}
		return nil, apperr.Wrap(apperr.Internal, "insert nonce", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "commit nonce insert", err)
	}
	committed = true

	// Step 3: ban check.
	banned, err := db.IsBanned(ctx, s.DB.Pool, req.UserAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "check ban", err)
	}
	if banned {
		return nil, apperr.New(apperr.UserBanned, "user is banned")
	}

	// Steps 4-6: signature, validity window, network/payTo match.
	if _, err := verifySignature(auth, netCfg, s.Clock.Now()); err != nil {
		return nil, apperr.Wrap(apperr.SignatureInvalid, "verify signature", err)
	}

	// Step 7: price via the two-step oracle, require value >= required.
	basePrice, err := s.Oracle.PriceBytes(ctx, req.DeclaredBytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "price bytes", err)
	}
	rate, err := s.Oracle.CreditsPerUSDC(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "credits per usdc", err)
	}
	requiredAtomic := money.CreditsToUSDCAtomic(basePrice, rate)
	reqAtomicInt, err := decimal.NewFromString(requiredAtomic)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "parse required atomic", err)
	}
	valueAtomicInt, err := decimal.NewFromString(auth.Value)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "parse authorized value", err)
	}
	if valueAtomicInt.LessThan(reqAtomicInt) {
		return nil, apperr.New(apperr.PaymentRequired, "authorized value below required amount")
	}

	// Step 8: settle with the facilitator (bounded timeout/fallback is
	// the Client implementation's responsibility — see WithFallback).
	txHash, err := s.Facilitator.Settle(ctx, auth, netCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.SettlementFailed, "facilitator settle", err)
	}

	// Step 9: persist the payment row, attach the nonce. Once settlement
	// has succeeded the nonce is never released regardless of what
	// happens below — a failure here logs a reconciliation event and
	// returns the error.
	paymentID := "x402_" + uuid.New().String()
	creditedCredits, cerr := money.USDCToCredits(auth.Value, rate)
	if cerr != nil {
		slog.Error("reconcile_needed: settled but credit conversion failed", "payment_id", paymentID, "tx_hash", txHash, "err", cerr)
		return nil, apperr.Wrap(apperr.Internal, "convert settled value", cerr)
	}

	result, perr := s.applyPersistAndMode(ctx, paymentID, txHash, header.Network, auth, req, basePrice, creditedCredits)
	if perr != nil {
		slog.Error("reconcile_needed: settlement succeeded but persistence failed", "payment_id", paymentID, "tx_hash", txHash, "nonce", auth.Nonce, "err", perr)
		return nil, perr
	}
	return result, nil
}

func (s *Service) applyPersistAndMode(ctx context.Context, paymentID, txHash, network string, auth x402types.Authorization, req VerifyAndSettleRequest, basePrice, creditedCredits money.Credits) (*VerifyAndSettleResult, error) {
	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	payment := &db.X402Payment{
		PaymentID:     paymentID,
		TxHash:        txHash,
		Nonce:           auth.Nonce,
		FromAddress:     auth.From,
		UserAddressKind: req.UserAddressKind,
		ToAddress:       auth.To,
		Network:       network,
		USDCAmount:    auth.Value,
		CreditAmount:  int64(creditedCredits),
		DeclaredBytes: req.DeclaredBytes,
		Mode:          req.Mode,
		Status:        db.X402PendingValidation,
	}
	if err := db.InsertX402Payment(ctx, tx, payment); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "insert x402 payment", err)
	}
	if err := db.AttachNonceToPayment(ctx, tx, auth.Nonce, paymentID); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "attach nonce to payment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "commit payment insert", err)
	}
	committed = true

	result := &VerifyAndSettleResult{PaymentID: paymentID, TxHash: txHash, Mode: req.Mode}

	switch req.Mode {
	case db.ModePayg, db.ModeHybrid:
		// Fund the balance with the full settled amount before reserving,
		// so an unfunded x402-only user (spec §4.3 scenario S2) has
		// exactly creditedCredits available and the reservation never
		// sees a pre-existing balance that doesn't include this payment.
		if aerr := s.Ledger.AdjustBalance(ctx, req.UserAddress, req.UserAddressKind, int64(creditedCredits), db.ReasonX402Settlement, paymentID); aerr != nil {
			return nil, aerr
		}
		reservationID, credits, rerr := s.Ledger.ReserveCredit(ctx, req.UserAddress, req.UserAddressKind, req.DeclaredBytes)
		if rerr != nil {
			return nil, rerr
		}
		result.ReservationID = reservationID
		result.CreditsReserved = credits
		result.CreditsCredited = creditedCredits - credits
		result.CreditsPaid = credits
	case db.ModeTopup:
		if aerr := s.Ledger.AdjustBalance(ctx, req.UserAddress, req.UserAddressKind, int64(creditedCredits), db.ReasonTopup, paymentID); aerr != nil {
			return nil, aerr
		}
		result.CreditsCredited = creditedCredits
		result.CreditsPaid = creditedCredits
	default:
		return nil, apperr.New(apperr.BadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
	}

	if result.ReservationID != "" {
		// link the reservation to the payment row so finalizeX402 can find it
		if _, err := s.DB.Pool.Exec(ctx, `UPDATE payment.x402_payment SET reservation_id = $2 WHERE payment_id = $1`, paymentID, result.ReservationID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "link reservation to payment", err)
		}
	}

	return result, nil
}
