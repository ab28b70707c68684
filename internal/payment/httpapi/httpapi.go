// Package httpapi is the payment service's private surface (spec §6):
// reserve, consume, refund, adjust, x402 verifyAndSettle, x402 finalize —
// called only by the upload service, authenticated by a service token.
// Grounded on CedrosPay-server's chi handler style (one handler per
// route, decode → call domain layer → encode) via internal/httpx.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/httpx"
	"github.com/ar-permaweb/turbo/internal/money"
	"github.com/ar-permaweb/turbo/internal/payment/db"
	"github.com/ar-permaweb/turbo/internal/payment/ledger"
	"github.com/ar-permaweb/turbo/internal/payment/x402"
	"github.com/ar-permaweb/turbo/internal/svcauth"
)

// Server wires the ledger and x402 service to chi handlers.
type Server struct {
	Ledger *ledger.Ledger
	X402   *x402.Service
	Auth   *svcauth.Issuer
}

// Router builds the private surface's chi.Mux.
func (s *Server) Router() http.Handler {
	r := httpx.NewRouter()
	r.Route("/private", func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Post("/reserve", s.handleReserve)
		r.Post("/consume", s.handleConsume)
		r.Post("/refund", s.handleRefund)
		r.Post("/adjust", s.handleAdjust)
		r.Post("/x402/verifyAndSettle", s.handleVerifyAndSettle)
		r.Post("/x402/finalize", s.handleFinalize)
	})
	return r
}

type reserveRequest struct {
	User     string `json:"user"`
	UserKind string `json:"userKind"`
	Bytes    int64  `json:"bytes"`
}

type reserveResponse struct {
	ReservationID string `json:"reservationId"`
	Credits       int64  `json:"credits"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	reservationID, credits, err := s.Ledger.ReserveCredit(r.Context(), req.User, req.UserKind, req.Bytes)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reserveResponse{ReservationID: reservationID, Credits: int64(credits)})
}

type reservationIDRequest struct {
	ReservationID string `json:"reservationId"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		reservationIDRequest
		ActualPriceCredits int64 `json:"actualPriceCredits"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.Ledger.ConsumeReservation(r.Context(), req.ReservationID, money.Credits(req.ActualPriceCredits)); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "consumed"})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req reservationIDRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.Ledger.RefundReservation(r.Context(), req.ReservationID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

type adjustRequest struct {
	User     string `json:"user"`
	UserKind string `json:"userKind"`
	Delta    int64  `json:"delta"`
	Reason   string `json:"reason"`
	RefID    string `json:"refId"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.Ledger.AdjustBalance(r.Context(), req.User, req.UserKind, req.Delta, db.AuditReason(req.Reason), req.RefID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

type verifyAndSettleRequest struct {
	User            string `json:"user"`
	UserKind        string `json:"userKind"`
	PaymentHeader   string `json:"paymentHeader"`
	DeclaredBytes   int64  `json:"declaredBytes"`
	Mode            string `json:"mode"`
}

type verifyAndSettleResponse struct {
	PaymentID       string `json:"paymentId"`
	TxHash          string `json:"txHash"`
	WincPaid        int64  `json:"wincPaid"`
	WincReserved    int64  `json:"wincReserved"`
	WincCredited    int64  `json:"wincCredited"`
	Mode            string `json:"mode"`
	ReservationID   string `json:"reservationId,omitempty"`
}

func (s *Server) handleVerifyAndSettle(w http.ResponseWriter, r *http.Request) {
	var req verifyAndSettleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	result, err := s.X402.VerifyAndSettle(r.Context(), x402.VerifyAndSettleRequest{
		UserAddress:     req.User,
		UserAddressKind: req.UserKind,
		PaymentHeader:   req.PaymentHeader,
		DeclaredBytes:   req.DeclaredBytes,
		Mode:            db.X402Mode(req.Mode),
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, verifyAndSettleResponse{
		PaymentID:     result.PaymentID,
		TxHash:        result.TxHash,
		WincPaid:      int64(result.CreditsPaid),
		WincReserved:  int64(result.CreditsReserved),
		WincCredited:  int64(result.CreditsCredited),
		Mode:          string(result.Mode),
		ReservationID: result.ReservationID,
	})
}

type finalizeRequest struct {
	PaymentID       string `json:"paymentId"`
	DataItemID      string `json:"dataItemId"`
	ActualByteCount int64  `json:"actualByteCount"`
}

type finalizeResponse struct {
	Status          string `json:"status"`
	ActualByteCount int64  `json:"actualByteCount"`
	RefundWinc      int64  `json:"refundWinc"`
	FraudType       string `json:"fraudType,omitempty"`
	ActionTaken     string `json:"actionTaken,omitempty"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.PaymentID == "" {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "paymentId required"))
		return
	}
	result, err := s.X402.FinalizeX402(r.Context(), req.PaymentID, req.ActualByteCount)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, finalizeResponse{
		Status:          string(result.Status),
		ActualByteCount: result.ActualBytes,
		RefundWinc:      int64(result.RefundCredits),
		FraudType:       string(result.FraudSeverity),
		ActionTaken:     result.ActionTaken,
	})
}
