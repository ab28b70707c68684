// Package duplicate implements spec §4.10's duplicate & in-flight guards:
// a read-through exists-check across the four stateful tables (tolerant
// of false negatives, backstopped by each table's UNIQUE item_id
// constraint) combined with a cache-store in-flight lock acquired via
// atomic SETNX with an owner tag. Grounded on the cachestore.Store
// interface's SetNX/CompareAndDelete pair, purpose-built for exactly this
// lock shape.
package duplicate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/cachestore"
	"github.com/ar-permaweb/turbo/internal/upload/db"
)

// Guard bundles the database exists-check with the cache-store in-flight
// lock so ingest handlers don't have to wire both individually.
type Guard struct {
	DB    *db.DB
	Cache cachestore.Store
}

func inflightKey(itemID string) string { return "inflight:" + itemID }

// Lock is a held in-flight lock; the owner must call Release exactly
// once, on both success and failure (spec §4.10 "released by owner on
// success or failure, or by TTL expiry").
type Lock struct {
	guard  *Guard
	itemID string
	owner  []byte
}

// CheckAndLock implements spec §4.1 steps 3-4: first the tolerant
// exists-check (returns apperr.Duplicate if the item is already in any
// stateful table), then the atomic in-flight lock acquisition (returns
// apperr.InProgress if another request holds it). ttl should be
// max(600s, content_length/MIN_INGEST_BPS * 2) per spec §4.1 step 4.
func (g *Guard) CheckAndLock(ctx context.Context, itemID string, ttl time.Duration) (*Lock, error) {
	exists, err := db.ExistsAnywhere(ctx, g.DB.Pool, itemID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "duplicate exists-check", err)
	}
	if exists {
		return nil, apperr.New(apperr.Duplicate, "item already present")
	}

	owner := []byte(uuid.New().String())
	won, err := g.Cache.SetNX(ctx, inflightKey(itemID), owner, ttl)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "in-flight lock", err)
	}
	if !won {
		return nil, apperr.New(apperr.InProgress, "item upload already in progress")
	}
	return &Lock{guard: g, itemID: itemID, owner: owner}, nil
}

// Release drops the lock if this Lock is still the owner — a no-op if
// the TTL already expired and another request won the key in the
// meantime (that request now owns its own Lock and will release it).
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.guard.Cache.CompareAndDelete(ctx, inflightKey(l.itemID), l.owner)
	if err != nil {
		return fmt.Errorf("release in-flight lock %s: %w", l.itemID, err)
	}
	return nil
}

// TTLFor computes spec §4.1 step 4's lock TTL: max(600s,
// content_length/MIN_INGEST_BPS * 2).
func TTLFor(contentLength, minIngestBPS int64) time.Duration {
	const floor = 600 * time.Second
	if minIngestBPS <= 0 {
		return floor
	}
	estimate := time.Duration(float64(contentLength)/float64(minIngestBPS)*2) * time.Second
	if estimate < floor {
		return floor
	}
	return estimate
}
