// Package ingest is the upload service's public HTTP surface (spec §6's
// ingest table): POST /v1/tx, the multipart trio, the price/x402 quote
// routes, and the x402 settle/finalize proxies. Grounded on
// CedrosPay-server's chi handler style via internal/httpx, the same
// decode -> call domain layer -> encode shape internal/payment/httpapi
// uses, generalized here to a streaming body instead of a JSON one.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/cachestore"
	"github.com/ar-permaweb/turbo/internal/clock"
	"github.com/ar-permaweb/turbo/internal/httpx"
	"github.com/ar-permaweb/turbo/internal/money"
	"github.com/ar-permaweb/turbo/internal/objectstore"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
	"github.com/ar-permaweb/turbo/internal/upload/duplicate"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
)

// Server wires every dependency the ingest surface needs: the raw-bucket
// object store, the cache store, the job queue, the duplicate guard, and
// the payment client. One value is constructed at service startup.
type Server struct {
	DB      *db.DB
	Raw     objectstore.Store
	Cache   cachestore.Store
	Queue   queue.Queue
	Guard   *duplicate.Guard
	Payment *paymentclient.Client
	Clock   clock.Clock

	MaxItemBytes      int64
	CacheMaxItemBytes int64
	MinIngestBPS      int64
	PricingBufferPct  int
	// BytesPerCredit is a local estimate used only to render the
	// advisory /v1/price/bytes/{n} quote; reserveCredit on the payment
	// service is the pricing authority for anything actually charged.
	BytesPerCredit int64

	X402Network        string
	X402Asset          string
	X402PayTo          string
	X402MaxTimeoutSecs int
}

// Router builds the ingest surface's chi.Mux.
func (s *Server) Router() http.Handler {
	r := httpx.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tx", s.handleTx)
		r.Post("/uploads", s.handleInitMultipart)
		r.Put("/uploads/{id}/{chunk}", s.handlePutChunk)
		r.Post("/uploads/{id}/finalize", s.handleFinalizeMultipart)
		r.Get("/price/bytes/{n}", s.handlePriceQuote)
		r.Get("/x402/price/{kind}/{addr}", s.handleX402Price)
		r.Post("/x402/payment/{kind}/{addr}", s.handleX402Payment)
		r.Post("/x402/finalize", s.handleX402Finalize)
	})
	return r
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

type txResponse struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Payer   string `json:"payer,omitempty"`
	Receipt string `json:"receipt"`
}

// handleTx implements spec §4.1's full ingest algorithm for POST /v1/tx.
func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Step 1: validate content_length.
	contentLength := r.ContentLength
	if contentLength <= 0 {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "Content-Length required and must be > 0"))
		return
	}
	if contentLength > s.MaxItemBytes {
		httpx.WriteError(w, apperr.New(apperr.TooLarge, fmt.Sprintf("content_length %d exceeds MAX_ITEM_BYTES", contentLength)))
		return
	}

	owner := r.Header.Get("X-Owner-Address")
	sigKind := r.Header.Get("X-Signature-Kind")
	declaredID := r.Header.Get("X-Item-Id")
	xPayment := r.Header.Get("X-PAYMENT")
	x402Mode := r.Header.Get("X-PAYMENT-Mode")
	if x402Mode == "" {
		x402Mode = "payg"
	}
	if owner == "" || sigKind == "" {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "X-Owner-Address and X-Signature-Kind are required"))
		return
	}

	// Steps 3-4: duplicate + in-flight guard, keyed by the declared id
	// when the client supplies one (spec §4.1 step 2's "accept a
	// client-declared item_id" path lets the guard run before any bytes
	// are streamed). Streaming-only clients are guarded post-stream,
	// once the canonical content-addressed id is known, backstopped by
	// each stateful table's UNIQUE item_id constraint either way.
	ttl := duplicate.TTLFor(contentLength, s.MinIngestBPS)
	var lock *duplicate.Lock
	if declaredID != "" {
		l, err := s.Guard.CheckAndLock(ctx, declaredID, ttl)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		lock = l
	}
	ok := false
	defer func() {
		if !ok && lock != nil {
			_ = lock.Release(ctx)
		}
	}()

	// Step 5: reserve credit, branching into x402 on InsufficientCredit.
	reserve, err := s.Payment.Reserve(ctx, paymentclient.ReserveRequest{User: owner, UserKind: sigKind, Bytes: contentLength})
	var reservationID *string
	var paymentID *string
	if err != nil {
		if apperr.Is(err, apperr.InsufficientCredit) {
			if xPayment == "" {
				httpx.WriteJSON(w, http.StatusPaymentRequired, priceQuote(contentLength, s.BytesPerCredit, s.PricingBufferPct))
				return
			}
			settle, serr := s.Payment.VerifyAndSettle(ctx, paymentclient.VerifyAndSettleRequest{
				User: owner, UserKind: sigKind, PaymentHeader: xPayment, DeclaredBytes: contentLength, Mode: x402Mode,
			})
			if serr != nil {
				httpx.WriteError(w, serr)
				return
			}
			paymentID = &settle.PaymentID
			if settle.ReservationID != "" {
				reservationID = &settle.ReservationID
			}
		} else {
			httpx.WriteError(w, err)
			return
		}
	} else {
		reservationID = &reserve.ReservationID
	}

	// Step 6-7: stream the body to the raw bucket (and the cache, when
	// small enough) while hashing it, then persist + enqueue.
	itemID, byteCount, err := s.streamToSinks(ctx, r.Body, contentLength, declaredID)
	if err != nil {
		s.refundAndCleanup(ctx, itemID, reservationID)
		httpx.WriteError(w, err)
		return
	}

	now := s.now()
	item := &db.NewItem{
		ItemID:        itemID,
		OwnerAddress:  owner,
		SignatureKind: sigKind,
		ByteCount:     byteCount,
		UploadedAt:    now,
		PaymentID:     paymentID,
		ReservationID: reservationID,
	}

	// The late-lock path: no declared id meant the guard couldn't run
	// before streaming, so run it now against the canonical id before
	// committing the row.
	if lock == nil {
		l, lerr := s.Guard.CheckAndLock(ctx, itemID, ttl)
		if lerr != nil {
			s.refundAndCleanup(ctx, itemID, reservationID)
			httpx.WriteError(w, lerr)
			return
		}
		lock = l
	}

	if err := s.commitNewItem(ctx, item); err != nil {
		s.refundAndCleanup(ctx, itemID, reservationID)
		httpx.WriteError(w, err)
		return
	}
	ok = true
	_ = lock.Release(ctx)

	if err := s.Queue.Enqueue(ctx, queue.LabelNewDataItem, []byte(itemID)); err != nil {
		// Best-effort: plan's periodic tick will still find the row
		// directly in new_item (spec §4.5 "either is sufficient").
		slog.Error("enqueue newDataItem", "item_id", itemID, "err", err)
	}

	resp := txResponse{ID: itemID, Owner: owner, Receipt: itemID}
	if paymentID != nil {
		resp.Payer = owner
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// streamToSinks implements spec §4.1 step 6: it fans the body out to the
// raw bucket (always) and the cache store (when small enough) while
// computing the content hash that resolves the canonical item_id. It
// buffers the body once, bounded by MAX_ITEM_BYTES (already validated
// above), rather than a true zero-copy fan-out — objectstore.Store.Put
// wants a reader plus a known length up front, and a streaming-only
// client has no canonical key to Put under until the full hash is known,
// so a single bounded buffer is the simplest sink that both the raw
// bucket and the cache can read from without re-requesting the body.
//
// It reads past the declared Content-Length, capped at MAX_ITEM_BYTES,
// rather than stopping at contentLength: a body that actually carries
// more bytes than it declared is the declared-vs-actual fraud edge (spec
// §4.1, scenario S4), and clamping the read to contentLength would make
// that deviation unmeasurable — byteCount always reflects what was
// genuinely read, which downstream finalizeX402 compares against the
// payment's declared_bytes.
func (s *Server) streamToSinks(ctx context.Context, body io.Reader, contentLength int64, declaredID string) (itemID string, byteCount int64, err error) {
	hasher := sha256.New()
	buf := &bytes.Buffer{}
	n, copyErr := io.Copy(buf, io.LimitReader(io.TeeReader(body, hasher), s.MaxItemBytes))
	if copyErr != nil {
		return "", 0, apperr.Wrap(apperr.BadRequest, "read request body", copyErr)
	}
	if n < contentLength {
		return "", 0, apperr.New(apperr.BadRequest, fmt.Sprintf("short read: got %d of %d declared bytes", n, contentLength))
	}

	itemID = base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))
	if declaredID != "" && declaredID != itemID {
		return "", 0, apperr.New(apperr.ContentMismatch, "declared item_id does not match content hash")
	}

	if err := s.Raw.Put(ctx, rawKey(itemID), bytes.NewReader(buf.Bytes()), n); err != nil {
		return "", 0, apperr.Wrap(apperr.Unavailable, "write raw object", err)
	}
	if n <= s.CacheMaxItemBytes {
		if err := s.Cache.Set(ctx, cacheKey(itemID), buf.Bytes(), 0); err != nil {
			slog.Warn("cache write failed, continuing without cache", "item_id", itemID, "err", err)
		}
	}
	return itemID, n, nil
}

func rawKey(itemID string) string { return "raw/" + itemID }

func cacheKey(itemID string) string { return "item:" + itemID }

// commitNewItem implements spec §4.1 step 7's single transaction: insert
// the new_item row. Lock release and job enqueue happen around this call
// in handleTx, not inside the DB transaction, since they touch the cache
// store and queue store respectively.
func (s *Server) commitNewItem(ctx context.Context, item *db.NewItem) error {
	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := db.InsertNewItem(ctx, tx, item); err != nil {
		return apperr.Wrap(apperr.Internal, "insert new_item", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Unavailable, "commit tx", err)
	}
	return nil
}

// refundAndCleanup implements spec §4.1 step 8: on any failure during or
// after streaming, delete the partial raw object, release the in-flight
// lock (handled by the caller's defer), and refund the reservation if
// one was held. Partial state must not survive.
func (s *Server) refundAndCleanup(ctx context.Context, itemID string, reservationID *string) {
	if itemID != "" {
		if err := s.Raw.Delete(ctx, rawKey(itemID)); err != nil {
			slog.Warn("cleanup raw object", "item_id", itemID, "err", err)
		}
	}
	if reservationID != nil {
		if err := s.Payment.Refund(ctx, paymentclient.RefundRequest{ReservationID: *reservationID}); err != nil {
			slog.Error("refund reservation after ingest failure", "reservation_id", *reservationID, "err", err)
		}
	}
}

type priceAdjustment struct {
	Name    string `json:"name"`
	Percent int    `json:"percent"`
}

type priceQuoteResponse struct {
	Credits     int64             `json:"credits"`
	Adjustments []priceAdjustment `json:"adjustments"`
}

func priceQuote(bytesN, bytesPerCredit int64, bufferPct int) priceQuoteResponse {
	if bytesPerCredit <= 0 {
		bytesPerCredit = 1
	}
	base := money.Credits(bytesN / bytesPerCredit)
	if base < 1 {
		base = 1
	}
	return priceQuoteResponse{
		Credits:     int64(money.ApplyBufferPct(base, bufferPct)),
		Adjustments: []priceAdjustment{{Name: "pricing_buffer", Percent: bufferPct}},
	}
}

func (s *Server) handlePriceQuote(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(chi.URLParam(r, "n"), 10, 64)
	if err != nil || n <= 0 {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "n must be a positive integer"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, priceQuote(n, s.BytesPerCredit, s.PricingBufferPct))
}
