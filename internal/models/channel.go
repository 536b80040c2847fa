package models

import (
	"database/sql"
	"time"
)

// Health states for a channel. Transitions are owned by the collector:
// consecutive errors move a channel towards unreachable, any successful
// cycle resets it to healthy.
const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnreachable = "unreachable"
)

// Channel represents a row in the 'channels' table.
type Channel struct {
	ID              int64          `db:"id" json:"id"`
	Ref             string         `db:"ref" json:"ref"`
	Title           string         `db:"title" json:"title"`
	SubscriberCount int64          `db:"subscriber_count" json:"subscriber_count"`
	Health          string         `db:"health" json:"health"`
	Cursor          int64          `db:"cursor" json:"cursor"`
	ConsecutiveErrs int            `db:"consecutive_errors" json:"consecutive_errors"`
	LastError       sql.NullString `db:"last_error" json:"-"`
	LastCollectedAt sql.NullTime   `db:"last_collected_at" json:"last_collected_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// NewChannel creates a new Channel with default values.
func NewChannel(ref string) *Channel {
	now := time.Now().UTC()
	return &Channel{
		Ref:       ref,
		Health:    HealthHealthy,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
