// Package ranking holds the pure scoring functions over engagement metrics.
// No storage access, no side effects: callers hand in the latest snapshot
// values and the channel subscriber count.
package ranking

import "time"

// Weights maps reaction emoji to their configured weight. Emoji absent from
// the map count with DefaultWeight.
type Weights map[string]float64

// DefaultWeight applies to reactions with no configured weight.
const DefaultWeight = 1.0

// ReactionScore sums reaction counts under the configured per-emoji weights.
func ReactionScore(reactions map[string]int64, weights Weights) float64 {
	var score float64
	for emoji, count := range reactions {
		w, ok := weights[emoji]
		if !ok {
			w = DefaultWeight
		}
		score += float64(count) * w
	}
	return score
}

// RelativeEngagement normalizes raw engagement by audience size. A zero or
// unknown subscriber count yields zero, never a division error.
func RelativeEngagement(viewCount int64, reactionScore float64, subscriberCount int64) float64 {
	if subscriberCount <= 0 {
		return 0
	}
	return (float64(viewCount) + reactionScore) / float64(subscriberCount)
}

// RecencyFactor is 1 at age zero and decays linearly to 0 at the window
// boundary. Posts older than the window score exactly zero, which filters
// them from rankings without a separate branch.
func RecencyFactor(age, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	f := 1 - age.Hours()/window.Hours()
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// CombinedScore is relative engagement scaled by the recency factor.
func CombinedScore(relativeEngagement float64, age, window time.Duration) float64 {
	return relativeEngagement * RecencyFactor(age, window)
}

// Ranked is the minimal shape the deterministic comparator needs.
type Ranked struct {
	PostID   int64
	Score    float64
	PostedAt time.Time
	// Both marks results matched by more than one retrieval path; it wins
	// ties between equally scored posts.
	Both bool
}

// Less orders two ranked entries: score descending, both-match favored,
// newest first, then post ID ascending so the order is total.
func Less(a, b Ranked) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Both != b.Both {
		return a.Both
	}
	if !a.PostedAt.Equal(b.PostedAt) {
		return a.PostedAt.After(b.PostedAt)
	}
	return a.PostID < b.PostID
}
