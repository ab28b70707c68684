package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMultipartNotFound is returned when an upload_id lookup misses.
var ErrMultipartNotFound = errors.New("upload/db: multipart upload not found")

// MultipartStatus is the multipart_upload.status enum (spec §6's
// POST /v1/uploads -> PUT .../{chunk} -> POST .../finalize sequence).
type MultipartStatus string

const (
	MultipartOpen       MultipartStatus = "open"
	MultipartFinalized  MultipartStatus = "finalized"
	MultipartAborted    MultipartStatus = "aborted"
)

// Part is one acknowledged chunk of a multipart upload.
type Part struct {
	Chunk int    `json:"chunk"`
	ETag  string `json:"etag"`
	Bytes int64  `json:"bytes"`
}

// MultipartUpload mirrors spec §3/§6's multipart_upload table.
type MultipartUpload struct {
	UploadID       string
	OwnerAddress   string
	SignatureKind  string
	DeclaredBytes  int64
	Parts          []Part
	ReservationID  *string
	Status         MultipartStatus
	CreatedAt      time.Time
}

// InsertMultipartUpload creates a new open multipart upload (spec §6
// POST /v1/uploads).
func InsertMultipartUpload(ctx context.Context, q Querier, uploadID, owner, sigKind string, declaredBytes int64, reservationID *string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO upload.multipart_upload
			(upload_id, owner_address, signature_kind, declared_bytes, parts, reservation_id, status)
		VALUES ($1, $2, $3, $4, '[]', $5, 'open')
	`, uploadID, owner, sigKind, declaredBytes, reservationID)
	if err != nil {
		return fmt.Errorf("insert multipart_upload: %w", err)
	}
	return nil
}

// GetMultipartUploadForUpdate row-locks a multipart upload by id.
func GetMultipartUploadForUpdate(ctx context.Context, q Querier, uploadID string) (*MultipartUpload, error) {
	var m MultipartUpload
	var partsJSON []byte
	err := q.QueryRow(ctx, `
		SELECT upload_id, owner_address, signature_kind, declared_bytes, parts, reservation_id, status, created_at
		FROM upload.multipart_upload WHERE upload_id = $1 FOR UPDATE
	`, uploadID).Scan(&m.UploadID, &m.OwnerAddress, &m.SignatureKind, &m.DeclaredBytes, &partsJSON, &m.ReservationID, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMultipartNotFound, err)
	}
	if err := json.Unmarshal(partsJSON, &m.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	return &m, nil
}

// AppendPart records an acknowledged chunk (spec §6 PUT
// /v1/uploads/{id}/{chunk}). Replaces any existing entry for the same
// chunk number so a retried PUT is idempotent.
func AppendPart(ctx context.Context, q Querier, uploadID string, part Part) error {
	m, err := GetMultipartUploadForUpdate(ctx, q, uploadID)
	if err != nil {
		return err
	}
	replaced := false
	for i, p := range m.Parts {
		if p.Chunk == part.Chunk {
			m.Parts[i] = part
			replaced = true
			break
		}
	}
	if !replaced {
		m.Parts = append(m.Parts, part)
	}
	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	if _, err := q.Exec(ctx, `UPDATE upload.multipart_upload SET parts = $2 WHERE upload_id = $1`, uploadID, partsJSON); err != nil {
		return fmt.Errorf("update parts: %w", err)
	}
	return nil
}

// FinalizeMultipartUpload transitions an open multipart upload to
// finalized (spec §6 POST /v1/uploads/{id}/finalize), guarding against a
// double-finalize the same way TransitionReservation guards a
// double-consume.
func FinalizeMultipartUpload(ctx context.Context, q Querier, uploadID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE upload.multipart_upload SET status = 'finalized'
		WHERE upload_id = $1 AND status = 'open'
	`, uploadID)
	if err != nil {
		return fmt.Errorf("finalize multipart_upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: not open", ErrMultipartNotFound)
	}
	return nil
}
