package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)

	cursor := EncodeCursor(ts, 42)
	gotTS, gotID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	require.True(t, ts.Equal(gotTS))
	require.Equal(t, int64(42), gotID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"not-base64!!!",
		"aGVsbG8=",     // decodes but has no separator
		"MTIzNCw1Njc4", // "1234,5678": not a timestamp
	} {
		_, _, err := DecodeCursor(bad)
		require.Error(t, err, "cursor %q", bad)
	}
}
