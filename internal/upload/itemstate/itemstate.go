// Package itemstate implements spec §9's suggested tagged union: "model
// with a tagged variant ItemState = New(NewRow) | Planned(PlannedRow) |
// Permanent(PermRow) | Failed(FailedRow) when code must reason about all
// four uniformly." No other package in this module imports it: the
// duplicate guard, ingest and the pipeline workers hold the plain DTOs
// from internal/upload/db, and the SQL there remains the source of truth.
package itemstate

import (
	"github.com/ar-permaweb/turbo/internal/upload/db"
)

// Tag names which variant an ItemState holds.
type Tag int

const (
	TagNew Tag = iota
	TagPlanned
	TagPermanent
	TagFailed
	TagAbsent
)

// ItemState is a closed tagged union over the four stateful tables spec
// §3 defines for a DataItem. Exactly one of the New/Planned/Permanent/
// Failed fields is non-nil, matching the field named by Tag — Absent
// means the item_id was not found in any table.
type ItemState struct {
	Tag       Tag
	New       *db.NewItem
	Planned   *db.PlannedItem
	Permanent *db.PermanentItem
	Failed    *failedItem
}

// failedItem is a local mirror of db.FailedItem's logical shape — the db
// package doesn't expose a FailedItem struct of its own today (failed
// rows are written, not read back structurally), so itemstate models the
// fields a caller would need if it ever inspects a failed item uniformly.
type failedItem struct {
	ItemID        string
	OwnerAddress  string
	ByteCount     int64
	BundleID      *string
	FailureReason string
}

// ItemID returns the identifier shared by every variant, or "" for Absent.
func (s ItemState) ItemID() string {
	switch s.Tag {
	case TagNew:
		return s.New.ItemID
	case TagPlanned:
		return s.Planned.ItemID
	case TagPermanent:
		return s.Permanent.ItemID
	case TagFailed:
		return s.Failed.ItemID
	default:
		return ""
	}
}

// IsTerminal reports whether the item has reached a state the pipeline
// will never move on from without external intervention (Permanent or
// Failed) — spec §5's "state transitions... strictly monotonic" means
// these are true dead ends for automatic progress.
func (s ItemState) IsTerminal() bool {
	return s.Tag == TagPermanent || s.Tag == TagFailed
}

// FromNew wraps a New-state row.
func FromNew(it *db.NewItem) ItemState { return ItemState{Tag: TagNew, New: it} }

// FromPlanned wraps a Planned-state row.
func FromPlanned(it *db.PlannedItem) ItemState { return ItemState{Tag: TagPlanned, Planned: it} }

// FromPermanent wraps a Permanent-state row.
func FromPermanent(it *db.PermanentItem) ItemState { return ItemState{Tag: TagPermanent, Permanent: it} }

// Absent represents an item_id found in none of the four tables.
func Absent() ItemState { return ItemState{Tag: TagAbsent} }
