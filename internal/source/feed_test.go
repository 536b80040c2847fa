package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyFeedErr(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"unexpected status code: 429", ErrRateLimited},
		{"unexpected status code: 404", ErrChannelGone},
		{"unexpected status code: 410", ErrChannelGone},
		{"Get \"https://x\": context deadline exceeded", ErrRateLimited},
	}
	for _, tc := range cases {
		got := classifyFeedErr("https://example.com/feed", errors.New(tc.msg))
		require.ErrorIs(t, got, tc.want, "message %q", tc.msg)
	}

	// Unclassified errors pass through wrapped.
	plain := errors.New("connection refused")
	got := classifyFeedErr("https://example.com/feed", plain)
	require.ErrorIs(t, got, plain)
	require.NotErrorIs(t, got, ErrRateLimited)
	require.NotErrorIs(t, got, ErrChannelGone)
}
