package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/httpx"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
	"github.com/ar-permaweb/turbo/internal/upload/duplicate"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
)

func chunkKey(uploadID string, chunk int) string {
	return "raw/multipart/" + uploadID + "/" + strconv.Itoa(chunk)
}

type initMultipartResponse struct {
	UploadID string `json:"upload_id"`
}

// handleInitMultipart implements spec §6's POST /v1/uploads: it reserves
// credit for the declared size up front (the same authority tx uses) and
// opens a multipart_upload row to accumulate chunks against.
func (s *Server) handleInitMultipart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	declaredBytes := r.ContentLength
	owner := r.Header.Get("X-Owner-Address")
	sigKind := r.Header.Get("X-Signature-Kind")
	if owner == "" || sigKind == "" || declaredBytes <= 0 {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "X-Owner-Address, X-Signature-Kind and Content-Length are required"))
		return
	}
	if declaredBytes > s.MaxItemBytes {
		httpx.WriteError(w, apperr.New(apperr.TooLarge, "declared size exceeds MAX_ITEM_BYTES"))
		return
	}

	reserve, err := s.Payment.Reserve(ctx, paymentclient.ReserveRequest{User: owner, UserKind: sigKind, Bytes: declaredBytes})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	uploadID := uuid.New().String()
	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.Unavailable, "begin tx", err))
		return
	}
	defer tx.Rollback(ctx)
	if err := db.InsertMultipartUpload(ctx, tx, uploadID, owner, sigKind, declaredBytes, &reserve.ReservationID); err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.Internal, "insert multipart_upload", err))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.Unavailable, "commit tx", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, initMultipartResponse{UploadID: uploadID})
}

type putChunkResponse struct {
	ETag string `json:"etag"`
}

// handlePutChunk implements spec §6's PUT /v1/uploads/{id}/{chunk}: it
// streams one chunk to its own raw-bucket key and records the part,
// replacing any prior attempt at the same chunk number so retries are
// idempotent.
func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := chi.URLParam(r, "id")
	chunk, err := strconv.Atoi(chi.URLParam(r, "chunk"))
	if err != nil || chunk < 0 {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "chunk must be a non-negative integer"))
		return
	}
	if r.ContentLength <= 0 {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "Content-Length required"))
		return
	}

	if _, err := db.GetMultipartUploadForUpdate(ctx, s.DB.Pool, uploadID); err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.BadRequest, "unknown upload_id", err))
		return
	}

	hasher := sha256.New()
	buf := &bytes.Buffer{}
	n, err := io.CopyN(buf, io.TeeReader(r.Body, hasher), r.ContentLength)
	if err != nil || n != r.ContentLength {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "short chunk read"))
		return
	}
	etag := hex.EncodeToString(hasher.Sum(nil))

	if err := s.Raw.Put(ctx, chunkKey(uploadID, chunk), bytes.NewReader(buf.Bytes()), n); err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.Unavailable, "write chunk", err))
		return
	}
	if err := db.AppendPart(ctx, s.DB.Pool, uploadID, db.Part{Chunk: chunk, ETag: etag, Bytes: n}); err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.Internal, "record part", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, putChunkResponse{ETag: etag})
}

// handleFinalizeMultipart implements spec §6's POST
// /v1/uploads/{id}/finalize: it concatenates every acknowledged chunk in
// order, resolves the canonical content-addressed item_id over the
// concatenated bytes, and then runs the same duplicate-guard/persist/
// enqueue sequence handleTx uses for a single-shot upload (spec's Open
// Question #5 resolution: multipart uploads acquire the in-flight lock
// only here, at finalize, once the final item_id is known — locking
// per-chunk would serialize chunks against each other for no benefit).
func (s *Server) handleFinalizeMultipart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := chi.URLParam(r, "id")

	m, err := db.GetMultipartUploadForUpdate(ctx, s.DB.Pool, uploadID)
	if err != nil {
		httpx.WriteError(w, apperr.Wrap(apperr.BadRequest, "unknown upload_id", err))
		return
	}
	if m.Status != db.MultipartOpen {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "upload is not open"))
		return
	}

	sorted := append([]db.Part(nil), m.Parts...)
	sortParts(sorted)

	hasher := sha256.New()
	buf := &bytes.Buffer{}
	var total int64
	for _, p := range sorted {
		rc, err := s.Raw.Get(ctx, chunkKey(uploadID, p.Chunk))
		if err != nil {
			httpx.WriteError(w, apperr.Wrap(apperr.Unavailable, fmt.Sprintf("read chunk %d", p.Chunk), err))
			return
		}
		n, err := io.Copy(io.MultiWriter(buf, hasher), rc)
		rc.Close()
		if err != nil {
			httpx.WriteError(w, apperr.Wrap(apperr.Unavailable, fmt.Sprintf("copy chunk %d", p.Chunk), err))
			return
		}
		total += n
	}

	itemID := base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))
	ttl := duplicate.TTLFor(total, s.MinIngestBPS)
	lock, err := s.Guard.CheckAndLock(ctx, itemID, ttl)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	ok := false
	defer func() {
		if !ok {
			_ = lock.Release(ctx)
		}
	}()

	if err := s.Raw.Put(ctx, rawKey(itemID), bytes.NewReader(buf.Bytes()), total); err != nil {
		s.refundAndCleanup(ctx, itemID, m.ReservationID)
		httpx.WriteError(w, apperr.Wrap(apperr.Unavailable, "write assembled object", err))
		return
	}
	if total <= s.CacheMaxItemBytes {
		if err := s.Cache.Set(ctx, cacheKey(itemID), buf.Bytes(), 0); err != nil {
			slog.Warn("cache write failed for multipart finalize", "item_id", itemID, "err", err)
		}
	}

	item := &db.NewItem{
		ItemID:        itemID,
		OwnerAddress:  m.OwnerAddress,
		SignatureKind: m.SignatureKind,
		ByteCount:     total,
		UploadedAt:    s.now(),
		ReservationID: m.ReservationID,
	}
	if err := s.commitNewItem(ctx, item); err != nil {
		s.refundAndCleanup(ctx, itemID, m.ReservationID)
		httpx.WriteError(w, err)
		return
	}
	if err := db.FinalizeMultipartUpload(ctx, s.DB.Pool, uploadID); err != nil {
		slog.Error("finalize multipart_upload row", "upload_id", uploadID, "err", err)
	}
	ok = true
	_ = lock.Release(ctx)

	for _, p := range sorted {
		if err := s.Raw.Delete(ctx, chunkKey(uploadID, p.Chunk)); err != nil {
			slog.Warn("cleanup chunk object", "upload_id", uploadID, "chunk", p.Chunk, "err", err)
		}
	}
	if err := s.Queue.Enqueue(ctx, queue.LabelNewDataItem, []byte(itemID)); err != nil {
		slog.Error("enqueue newDataItem", "item_id", itemID, "err", err)
	}

	httpx.WriteJSON(w, http.StatusOK, txResponse{ID: itemID, Owner: m.OwnerAddress, Receipt: itemID})
}

func sortParts(parts []db.Part) {
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j-1].Chunk > parts[j].Chunk; j-- {
			parts[j-1], parts[j] = parts[j], parts[j-1]
		}
	}
}
