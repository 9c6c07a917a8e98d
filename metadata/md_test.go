package metadata

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsHexLayout(t *testing.T) {
	md := Metadata{
		SourceTime:     time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
		TaskID:         "task-1",
		SourceIdentity: "0xabc",
	}

	got := md.AsHex()
	require.Len(t, got, 16)

	// 2024-01-02 is day 19724 since the epoch.
	require.Equal(t, []byte{0x4d, 0x0c}, got[0:2])
	require.Equal(t, tag("task-1"), got[2:8])
	require.Equal(t, tag("0xabc"), got[8:14])

	require.True(t, strings.HasPrefix(md.Hex(), "0x"))
	require.Len(t, md.Hex(), 34)
	require.Equal(t, md.Hex(), *md.HexAsPointer())
}

func TestAsHexIsDeterministic(t *testing.T) {
	a := Metadata{SourceTime: time.Unix(1_700_000_000, 0), TaskID: "t", SourceIdentity: "k"}
	b := Metadata{SourceTime: time.Unix(1_700_000_100, 0), TaskID: "t", SourceIdentity: "k"}
	require.Equal(t, a.Hex(), b.Hex(), "same day, task and source")

	c := Metadata{SourceTime: time.Unix(1_700_000_000, 0), TaskID: "t", SourceIdentity: "other"}
	require.NotEqual(t, a.Hex(), c.Hex())
}

func TestFromHexRoundTrip(t *testing.T) {
	md := Metadata{
		SourceTime:     time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
		TaskID:         "task-1",
		SourceIdentity: "0xabc",
	}

	tags, err := FromHexString(md.Hex())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), tags.Day)
	require.Equal(t, tag("task-1"), tags.TaskTag[:])
	require.Equal(t, tag("0xabc"), tags.SourceTag[:])
	require.NotEqual(t, tag("task-2"), tags.TaskTag[:])
}

func TestFromHexErrors(t *testing.T) {
	_, err := FromHex([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrHexTooShort)

	md := Metadata{SourceTime: time.Unix(0, 0), TaskID: "t", SourceIdentity: "s"}
	raw := md.AsHex()
	raw[3] ^= 0xff
	_, err = FromHex(raw)
	require.ErrorIs(t, err, ErrIncorrectChecksum)

	_, err = FromHexString("0xzz")
	require.Error(t, err)

	_, err = FromHexString("0x" + strings.Repeat(" ", 2) + hex.EncodeToString(md.AsHex()))
	require.NoError(t, err)
}
