// Package bundleformat is the bundle framing/offset codec used by
// prepare (to assemble a bundle payload) and by reads (to locate an item
// inside it). Spec §6 references "the bundle framing format (see §6)"
// but leaves the exact byte layout to the implementation — this package
// picks a fixed, deterministic header-then-binary layout so offsets are
// computable before any item byte is written (spec §4.6 step 2: "compute
// item offsets inline"), which is what makes a prepare re-run byte-for-byte
// reproducible (spec §8's idempotence law: "prepare re-run on a prepared
// bundle replaces the backup object byte-for-byte and the item_offset
// rows are unchanged").
package bundleformat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// itemIDLen is spec §3's 43-char content-addressed item_id length.
const itemIDLen = 43

// HeaderEntry describes one item's presence in the bundle header, in the
// order items are packed by plan (spec §5: "within a single bundle,
// items retain the order assigned by plan").
type HeaderEntry struct {
	ItemID string
	Length int64
}

// HeaderSize returns the byte size of the fixed framing header for n
// entries: an 8-byte count followed by, per entry, an 8-byte length and
// a 43-byte item_id.
func HeaderSize(n int) int64 {
	return 8 + int64(n)*(8+itemIDLen)
}

// WriteHeader writes the framing header for entries to w.
func WriteHeader(w io.Writer, entries []HeaderEntry) error {
	buf := make([]byte, 0, HeaderSize(len(entries)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(entries)))
	for _, e := range entries {
		if len(e.ItemID) != itemIDLen {
			return fmt.Errorf("bundleformat: item_id %q is not %d bytes", e.ItemID, itemIDLen)
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.Length))
		buf = append(buf, e.ItemID...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bundleformat: write header: %w", err)
	}
	return nil
}

// Offsets computes the byte offset of each entry's binary payload
// within the fully-framed bundle, in header order. The first entry
// begins immediately after the header.
func Offsets(entries []HeaderEntry) []int64 {
	offsets := make([]int64, len(entries))
	pos := HeaderSize(len(entries))
	for i, e := range entries {
		offsets[i] = pos
		pos += e.Length
	}
	return offsets
}

// CopyItem streams exactly length bytes from r into w — the binary
// section write for one item, called in header order after WriteHeader
// has written every entry's length and item_id up front.
func CopyItem(w io.Writer, r io.Reader, length int64) error {
	n, err := io.CopyN(w, r, length)
	if err != nil {
		return fmt.Errorf("bundleformat: copy item (%d/%d bytes): %w", n, length, err)
	}
	return nil
}

// ReadHeader parses the framing header back out of r — used when a
// consumer needs to re-derive offsets without a prior item_offset row.
func ReadHeader(r io.Reader) ([]HeaderEntry, error) {
	br := bufio.NewReader(r)
	var countBuf [8]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, fmt.Errorf("bundleformat: read count: %w", err)
	}
	count := binary.BigEndian.Uint64(countBuf[:])
	entries := make([]HeaderEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var lenBuf [8]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("bundleformat: read entry %d length: %w", i, err)
		}
		idBuf := make([]byte, itemIDLen)
		if _, err := io.ReadFull(br, idBuf); err != nil {
			return nil, fmt.Errorf("bundleformat: read entry %d item_id: %w", i, err)
		}
		entries = append(entries, HeaderEntry{ItemID: string(idBuf), Length: int64(binary.BigEndian.Uint64(lenBuf[:]))})
	}
	return entries, nil
}
