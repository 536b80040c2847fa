package models

import (
	"encoding/json"
	"time"
)

// Post represents a row in the 'posts' table. A post is immutable once
// created except for the last_seen_at refresh; engagement metrics live in
// engagement_snapshots.
type Post struct {
	ID           int64     `db:"id" json:"id"`
	ChannelID    int64     `db:"channel_id" json:"channel_id"`
	SourceItemID int64     `db:"source_item_id" json:"source_item_id"`
	Content      string    `db:"content" json:"content"`
	HasMedia     bool      `db:"has_media" json:"has_media"`
	PostedAt     time.Time `db:"posted_at" json:"posted_at"`
	FirstSeenAt  time.Time `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt   time.Time `db:"last_seen_at" json:"last_seen_at"`
}

// EngagementSnapshot represents a row in the 'engagement_snapshots' table.
// A post accumulates snapshots over time; ranking always reads the latest
// one per post.
type EngagementSnapshot struct {
	ID            int64     `db:"id" json:"id"`
	PostID        int64     `db:"post_id" json:"post_id"`
	ViewCount     int64     `db:"view_count" json:"view_count"`
	ReactionsJSON string    `db:"reactions" json:"-"`
	CapturedAt    time.Time `db:"captured_at" json:"captured_at"`
}

// Reactions decodes the emoji -> count map stored as JSON.
func (s *EngagementSnapshot) Reactions() map[string]int64 {
	if s.ReactionsJSON == "" {
		return nil
	}
	var m map[string]int64
	if err := json.Unmarshal([]byte(s.ReactionsJSON), &m); err != nil {
		return nil
	}
	return m
}

// SetReactions encodes the emoji -> count map as JSON for storage.
func (s *EngagementSnapshot) SetReactions(m map[string]int64) {
	if len(m) == 0 {
		s.ReactionsJSON = "{}"
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		s.ReactionsJSON = "{}"
		return
	}
	s.ReactionsJSON = string(b)
}
