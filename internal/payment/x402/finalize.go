package x402

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/money"
	"github.com/ar-permaweb/turbo/internal/payment/db"
)

// FinalizeResult is spec §6's finalize response shape:
// {status, actualByteCount, refundWinc, fraudType, actionTaken}.
type FinalizeResult struct {
	Status        db.X402PaymentStatus
	ActualBytes   int64
	RefundCredits money.Credits
	FraudSeverity db.FraudSeverity // empty if not a fraud verdict
	ActionTaken   string
}

// FinalizeX402 implements spec §4.3's "Finalize": called when the item
// reaches Permanent, it compares declared vs actual bytes and settles the
// payment's final status — fraud penalty, confirmed, or refunded — then
// checks the rolling ban threshold.
func (s *Service) FinalizeX402(ctx context.Context, paymentID string, actualBytes int64) (*FinalizeResult, error) {
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

	payment, err := db.GetX402PaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "payment not found", err)
	}

	deviation := money.DeviationPct(payment.DeclaredBytes, actualBytes)
	tolerance := decimal.NewFromFloat(s.FraudTolerancePct)
	warning := decimal.NewFromFloat(s.FraudWarningPct)
	overpaymentThreshold := decimal.NewFromFloat(s.OverpaymentThreshold)
	five := decimal.NewFromInt(5)

	result := &FinalizeResult{ActualBytes: actualBytes}

	switch {
	case deviation.GreaterThan(five):
		result.Status = db.X402FraudPenalty
		result.FraudSeverity = db.SeverityMajor
		result.ActionTaken = "fraud_penalty"
	case deviation.GreaterThan(tolerance) && deviation.LessThanOrEqual(five):
		result.Status = db.X402FraudPenalty
		result.FraudSeverity = db.SeverityMinor
		result.ActionTaken = "fraud_penalty"
	case deviation.GreaterThan(warning) && deviation.LessThanOrEqual(tolerance):
		result.Status = db.X402Confirmed
		result.FraudSeverity = db.SeverityWarning
		result.ActionTaken = "logged"
		slog.Warn("x402 finalize: declared/actual deviation above warning threshold", "payment_id", paymentID, "deviation_pct", deviation.String())
	case deviation.Abs().LessThanOrEqual(warning):
		result.Status = db.X402Confirmed
	case deviation.LessThan(overpaymentThreshold.Neg()):
		result.Status = db.X402Refunded
		result.RefundCredits = money.ProportionalRefund(money.Credits(payment.CreditAmount), deviation)
		result.ActionTaken = "refunded"
	default:
		// Falls between warning and overpayment thresholds on the
		// under-declared side: no fraud, no refund, simple confirm.
		result.Status = db.X402Confirmed
	}

	if err := db.FinalizeX402Payment(ctx, tx, paymentID, actualBytes, result.Status); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "finalize payment row", err)
	}

	if result.FraudSeverity != "" {
		if err := db.InsertFraudRecord(ctx, tx, &db.FraudRecord{
			UserAddress:  payment.FromAddress,
			PaymentID:    paymentID,
			Declared:     payment.DeclaredBytes,
			Actual:       actualBytes,
			DeviationPct: deviation,
			Severity:     result.FraudSeverity,
			Action:       result.ActionTaken,
		}); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "insert fraud record", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "commit finalize", err)
	}
	committed = true

	if result.Status == db.X402Refunded && result.RefundCredits > 0 {
		if err := s.Ledger.AdjustBalance(ctx, payment.FromAddress, payment.UserAddressKind, int64(result.RefundCredits), db.ReasonOverpaymentRefund, paymentID); err != nil {
			return nil, err
		}
	}

	if result.FraudSeverity == db.SeverityMinor || result.FraudSeverity == db.SeverityMajor {
		count, cerr := db.CountFraudLast30Days(ctx, s.DB.Pool, payment.FromAddress)
		if cerr != nil {
			slog.Error("x402 finalize: fraud count check failed", "user", payment.FromAddress, "err", cerr)
			return result, nil
		}
		if count >= s.FraudBanCount {
			if err := db.InsertBan(ctx, s.DB.Pool, payment.FromAddress, "fraud threshold exceeded", s.FraudBanDays); err != nil {
				slog.Error("x402 finalize: insert ban failed", "user", payment.FromAddress, "err", err)
			}
		}
	}

	return result, nil
}
