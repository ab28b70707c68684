// Package pipeline implements spec §4.4-§4.9's job pipeline: the
// newDataItem, plan, prepare, post, and verify workers plus the optical,
// putOffsets, cleanupFs, oversizedItem, and unbundleBdi side jobs.
// Grounded on the teacher's straight-line error-wrapping and structured
// logging style (fmt.Errorf("%w", ...), slog with named fields), adapted
// from a single RPC gateway into a queue.Handler-per-label worker pool.
// Every worker is idempotent by id (spec §4.4 "safe to rerun"), so a
// crashed worker's job simply gets redelivered by the queue's lease TTL.
package pipeline

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/ar-permaweb/turbo/internal/cachestore"
	"github.com/ar-permaweb/turbo/internal/clock"
	"github.com/ar-permaweb/turbo/internal/objectstore"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
	"github.com/ar-permaweb/turbo/internal/upload/storagenet"
)

// Pipeline wires every worker's dependencies. One value is constructed at
// service startup and shared by all worker goroutines (spec §9: "a bag
// of typed dependency handles... pass through constructors").
type Pipeline struct {
	DB      *db.DB
	Raw     objectstore.Store
	Backup  objectstore.Store
	Cache   cachestore.Store
	Queue   queue.Queue
	Payment *paymentclient.Client
	Storage storagenet.Client
	Clock   clock.Clock

	// ServiceKey signs each bundle's envelope before it is posted to the
	// storage network (spec §4.6 step 3). Nil disables signing, which
	// prepare tolerates for tests that don't care about envelope auth.
	ServiceKey *ecdsa.PrivateKey

	MaxBundleBytes    int64
	MaxItemsPerBundle int
	PlanCandidates    int
	MinConfirmations  int
	MaxPostAttempts   int   // default 10, mirrors post's queue retry cap (spec §4.7)
	VerifyDeadline    int64 // seconds
	RawRetention      string // "keep" | "delete"
	OpticalBridgeURLs []string
	OpticalAdminToken string

	// BytesPerCredit mirrors ingest.Server's pricing rate, needed at
	// verify time to recompute an item's actual (unbuffered) price for
	// consumeReservation's buffer-release calculation (spec §4.2).
	BytesPerCredit int64
}

// basePriceCredits recomputes the unbuffered price for byteCount bytes,
// the same rounding ingest.priceQuote uses before its pricing buffer is
// applied — consumeReservation needs this actual price to release the
// unused portion of what was reserved.
func (p *Pipeline) basePriceCredits(byteCount int64) int64 {
	bytesPerCredit := p.BytesPerCredit
	if bytesPerCredit <= 0 {
		bytesPerCredit = 1
	}
	base := byteCount / bytesPerCredit
	if base < 1 {
		base = 1
	}
	return base
}

// ComputeItemID derives spec §3's 43-char content-addressed item_id from
// a data item's raw bytes: base64url (no padding) of its SHA-256 digest,
// the same encoding shape as the teacher's x402 nonce/address hex
// handling generalized to a digest rather than a signature.
func ComputeItemID(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// bundleIDFor derives a deterministic id for a newly planned bundle from
// its first item, so re-running plan on an already-moved item set (spec
// §8 "plan re-run on the same input set is a no-op") never mints a
// colliding id for work that already happened.
func bundleIDFor(firstItemID string) string {
	sum := sha256.Sum256([]byte("bundle:" + firstItemID))
	return "bdl_" + base64.RawURLEncoding.EncodeToString(sum[:16])
}
