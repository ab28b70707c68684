package bundleformat

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func id43(b byte) string {
	return strings.Repeat(string(rune(b)), itemIDLen)
}

func TestWriteHeaderRejectsBadItemID(t *testing.T) {
	err := WriteHeader(&bytes.Buffer{}, []HeaderEntry{{ItemID: "too-short", Length: 10}})
	require.Error(t, err)
}

func TestOffsetsSequential(t *testing.T) {
	entries := []HeaderEntry{
		{ItemID: id43('a'), Length: 100},
		{ItemID: id43('b'), Length: 200},
	}
	offsets := Offsets(entries)
	header := HeaderSize(2)
	require.Equal(t, header, offsets[0])
	require.Equal(t, header+100, offsets[1])
}

func TestWriteThenReadHeaderRoundTrips(t *testing.T) {
	entries := []HeaderEntry{
		{ItemID: id43('a'), Length: 100},
		{ItemID: id43('b'), Length: 200},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, entries))

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestCopyItemWritesExactBytes(t *testing.T) {
	var buf bytes.Buffer
	src := strings.NewReader("hello world")
	require.NoError(t, CopyItem(&buf, src, 5))
	require.Equal(t, "hello", buf.String())
}
