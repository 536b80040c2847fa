// Package source defines the boundary to the external channel content
// platform. The engine never talks to a concrete platform directly; it sees
// channels through the ChannelSource interface and distinguishes transient
// from permanent failures via the sentinel errors below.
package source

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors implementations must surface so the collector can tell a
// retry-later condition from a dead channel.
var (
	// ErrRateLimited signals the platform asked us to back off. The cycle
	// stops early and the remainder is retried on the next scheduled run.
	ErrRateLimited = errors.New("source: rate limited")

	// ErrChannelGone signals the channel was deleted or made private.
	ErrChannelGone = errors.New("source: channel no longer accessible")

	// ErrNotFound signals the channel reference never resolved.
	ErrNotFound = errors.New("source: channel not found")
)

// ChannelMetadata describes a validated channel.
type ChannelMetadata struct {
	Ref             string
	Title           string
	SubscriberCount int64
}

// RawItem is a single piece of content as returned by the platform, before
// normalization into Post + EngagementSnapshot records.
type RawItem struct {
	// ID is the platform's item identifier, strictly increasing per channel.
	// The collection cursor is expressed in these IDs.
	ID        int64
	Text      string
	HasMedia  bool
	PostedAt  time.Time
	ViewCount int64
	Reactions map[string]int64
}

// ChannelSource abstracts the content platform.
type ChannelSource interface {
	// Validate resolves a channel reference to its current metadata, or
	// ErrNotFound / ErrChannelGone.
	Validate(ctx context.Context, ref string) (*ChannelMetadata, error)

	// FetchItems returns items with ID > minID. When minID is zero (first
	// collection, or cursor reset), items are bounded below by windowStart
	// instead of reaching into full channel history. The sequence is finite
	// and restartable from any minID; an ErrRateLimited return may carry a
	// non-empty prefix of items that were fetched before the limit hit.
	FetchItems(ctx context.Context, ref string, minID int64, windowStart time.Time) ([]RawItem, error)
}
