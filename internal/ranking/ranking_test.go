package ranking

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReactionScoreWeighted(t *testing.T) {
	reactions := map[string]int64{"👍": 100, "🔥": 50}
	weights := Weights{"👍": 1, "🔥": 2}

	require.InDelta(t, 200.0, ReactionScore(reactions, weights), 1e-9)
}

func TestReactionScoreUnknownEmojiDefaultsToOne(t *testing.T) {
	reactions := map[string]int64{"🤷": 7}

	require.InDelta(t, 7.0, ReactionScore(reactions, Weights{"👍": 3}), 1e-9)
	require.InDelta(t, 7.0, ReactionScore(reactions, nil), 1e-9)
}

func TestRelativeEngagementZeroSubscribers(t *testing.T) {
	require.Zero(t, RelativeEngagement(10000, 200, 0))
	require.Zero(t, RelativeEngagement(10000, 200, -5))
}

func TestCombinedScoreScenario(t *testing.T) {
	// 50k subscribers, 10k views, reactions {👍:100, 🔥:50} with weights
	// {👍:1, 🔥:2}, posted 6h ago in a 24h window.
	reactionScore := ReactionScore(map[string]int64{"👍": 100, "🔥": 50}, Weights{"👍": 1, "🔥": 2})
	require.InDelta(t, 200.0, reactionScore, 1e-9)

	relEng := RelativeEngagement(10000, reactionScore, 50000)
	require.InDelta(t, 0.204, relEng, 1e-9)

	score := CombinedScore(relEng, 6*time.Hour, 24*time.Hour)
	require.InDelta(t, 0.153, score, 1e-9)
}

func TestRecencyFactorBoundaries(t *testing.T) {
	window := 24 * time.Hour

	require.InDelta(t, 1.0, RecencyFactor(0, window), 1e-9)
	require.Zero(t, RecencyFactor(window, window))
	require.Zero(t, RecencyFactor(window+time.Hour, window))
	require.Zero(t, RecencyFactor(time.Hour, 0))

	// A post at age zero keeps its full relative engagement.
	require.InDelta(t, 0.42, CombinedScore(0.42, 0, window), 1e-9)
}

func TestLessOrdering(t *testing.T) {
	now := time.Now()

	higher := Ranked{PostID: 1, Score: 0.9, PostedAt: now}
	lower := Ranked{PostID: 2, Score: 0.1, PostedAt: now}
	require.True(t, Less(higher, lower))
	require.False(t, Less(lower, higher))

	// Equal scores: the both-path match wins.
	both := Ranked{PostID: 3, Score: 0.5, PostedAt: now, Both: true}
	single := Ranked{PostID: 4, Score: 0.5, PostedAt: now}
	require.True(t, Less(both, single))
	require.False(t, Less(single, both))

	// Equal scores and match paths: newer first.
	newer := Ranked{PostID: 5, Score: 0.5, PostedAt: now}
	older := Ranked{PostID: 6, Score: 0.5, PostedAt: now.Add(-time.Hour)}
	require.True(t, Less(newer, older))

	// Full tie: lower post ID first, so the order is total.
	a := Ranked{PostID: 7, Score: 0.5, PostedAt: now}
	b := Ranked{PostID: 8, Score: 0.5, PostedAt: now}
	require.True(t, Less(a, b))
	require.False(t, Less(b, a))
}

func TestRankingDeterminism(t *testing.T) {
	now := time.Now()
	rng := rand.New(rand.NewSource(1))

	make_ := func() []Ranked {
		entries := make([]Ranked, 100)
		for i := range entries {
			entries[i] = Ranked{
				PostID:   int64(i),
				Score:    float64(i%10) / 10,
				PostedAt: now.Add(-time.Duration(i%5) * time.Hour),
				Both:     i%3 == 0,
			}
		}
		rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
		return entries
	}

	first := make_()
	second := make_()
	sort.Slice(first, func(i, j int) bool { return Less(first[i], first[j]) })
	sort.Slice(second, func(i, j int) bool { return Less(second[i], second[j]) })

	require.Equal(t, first, second)
}
