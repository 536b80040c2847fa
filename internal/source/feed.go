package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reddot-watch/feedfetcher"
)

// FeedSource adapts public web feeds (RSS/Atom) to the ChannelSource
// interface, with the feed URL as the channel reference. Feeds expose no
// engagement metrics, so items carry zero views and no reactions and rank
// purely on recency. Item IDs derive from the publication timestamp, which
// keeps the cursor protocol monotonic for append-only feeds.
type FeedSource struct {
	fetcher *feedfetcher.FeedFetcher
}

// NewFeedSource creates a feed-backed channel source.
func NewFeedSource(maxAge time.Duration) *FeedSource {
	return &FeedSource{
		fetcher: feedfetcher.NewFeedFetcher(feedfetcher.Config{
			UserAgent:            "ChannelWatch/1.0",
			RequestTimeout:       15 * time.Second,
			MaxItems:             100,
			MaxHeadingLength:     200,
			MaxAge:               maxAge,
			FutureDriftTolerance: 12 * time.Hour,
		}),
	}
}

// Validate fetches the feed once to confirm it resolves.
func (s *FeedSource) Validate(ctx context.Context, ref string) (*ChannelMetadata, error) {
	_, err := s.fetcher.FetchAndProcess(ctx, ref)
	if err != nil {
		return nil, classifyFeedErr(ref, err)
	}
	return &ChannelMetadata{
		Ref:   ref,
		Title: ref,
		// Feeds have no audience size; relative engagement stays zero.
		SubscriberCount: 0,
	}, nil
}

// FetchItems fetches the feed and returns items newer than the cursor.
func (s *FeedSource) FetchItems(ctx context.Context, ref string, minID int64, windowStart time.Time) ([]RawItem, error) {
	fetched, err := s.fetcher.FetchAndProcess(ctx, ref)
	if err != nil {
		return nil, classifyFeedErr(ref, err)
	}

	var items []RawItem
	for _, it := range fetched {
		id := it.PublishedAt.UTC().Unix()
		if id <= minID {
			continue
		}
		if minID == 0 && it.PublishedAt.Before(windowStart) {
			continue
		}

		text := it.Headline
		if it.Content != "" {
			text = it.Headline + "\n\n" + it.Content
		}
		items = append(items, RawItem{
			ID:       id,
			Text:     text,
			PostedAt: it.PublishedAt.UTC(),
		})
	}
	return items, nil
}

// classifyFeedErr maps fetch failures onto the source sentinels. feedfetcher
// folds the HTTP status into the error string, so match on that.
func classifyFeedErr(ref string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return fmt.Errorf("fetch feed %s: %w", ref, ErrRateLimited)
	case strings.Contains(msg, "404"), strings.Contains(msg, "410"):
		return fmt.Errorf("fetch feed %s: %w", ref, ErrChannelGone)
	case strings.Contains(msg, "context deadline exceeded"):
		return fmt.Errorf("fetch feed %s: %w", ref, ErrRateLimited)
	default:
		return fmt.Errorf("fetch feed %s: %w", ref, err)
	}
}
