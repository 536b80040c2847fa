// Package collector orchestrates per-channel collection cycles: fetch items
// newer than the stored cursor, normalize them into Post + EngagementSnapshot
// rows, and advance the cursor only after the rows are durably committed.
// Re-running a cycle is always safe; persistence is idempotent by the
// (channel, source_item_id) unique key.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/source"
	"channelwatch/aggregator/internal/tokenize"
)

// ErrCycleInProgress is returned when a channel's collection cycle is asked
// to start while a previous one still holds the channel lease.
var ErrCycleInProgress = errors.New("collector: cycle already in progress for channel")

const persistBatchSize = 50

// Options configures a Collector.
type Options struct {
	Workers          int
	Window           time.Duration
	FetchTimeout     time.Duration
	DegradedAfter    int
	UnreachableAfter int
	RetentionGrace   time.Duration
	LeaseTTL         time.Duration
}

// CollectionResult summarizes one channel cycle.
type CollectionResult struct {
	ChannelID    int64
	PostsFetched int
	PostsNew     int
	Errors       []error
}

// Collector runs collection cycles against a ChannelSource.
type Collector struct {
	db      *database.DB
	src     source.ChannelSource
	cursors *CursorStore
	leases  *leaseTable
	opts    Options

	fetched atomic.Int64
	created atomic.Int64
}

// New creates a Collector. Zero option fields fall back to safe defaults.
func New(db *database.DB, src source.ChannelSource, opts Options) *Collector {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	if opts.UnreachableAfter <= opts.DegradedAfter {
		opts.UnreachableAfter = opts.DegradedAfter + 4
	}
	if opts.RetentionGrace <= 0 {
		opts.RetentionGrace = 48 * time.Hour
	}
	return &Collector{
		db:      db,
		src:     src,
		cursors: NewCursorStore(db),
		leases:  newLeaseTable(opts.LeaseTTL),
		opts:    opts,
	}
}

// Cursors exposes the underlying cursor store.
func (c *Collector) Cursors() *CursorStore { return c.cursors }

// Stats returns totals across all cycles run by this collector.
func (c *Collector) Stats() (fetched, created int64) {
	return c.fetched.Load(), c.created.Load()
}

// Collect runs one collection cycle for a single channel.
//
// A rate-limit or timeout from the source stops the cycle early: batches
// committed before the signal keep their cursor advancement and the
// unprocessed remainder is retried on the next scheduled cycle. Only the
// cursor-advance-after-commit ordering makes that safe.
func (c *Collector) Collect(ctx context.Context, ch *models.Channel) (*CollectionResult, error) {
	if !c.leases.acquire(ch.ID) {
		return nil, fmt.Errorf("%w: %d", ErrCycleInProgress, ch.ID)
	}
	defer c.leases.release(ch.ID)

	result := &CollectionResult{ChannelID: ch.ID}

	cursor, err := c.cursors.Get(ctx, ch.ID)
	if err != nil {
		return result, err
	}

	windowStart := time.Now().UTC().Add(-c.opts.Window)

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	items, fetchErr := c.src.FetchItems(fetchCtx, ch.Ref, cursor, windowStart)
	cancel()

	if fetchErr != nil && len(items) == 0 {
		return result, c.handleFetchError(ctx, ch, result, fetchErr)
	}

	// An item at or below the cursor means upstream reset its numbering.
	// Fall back to window start rather than trusting the stale cursor.
	if cursor > 0 && hasItemBelow(items, cursor) {
		log.Warn().
			Int64("channel_id", ch.ID).
			Str("ref", ch.Ref).
			Int64("cursor", cursor).
			Msg("Cursor/channel mismatch detected, falling back to window start")

		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		items, fetchErr = c.src.FetchItems(fetchCtx, ch.Ref, 0, windowStart)
		cancel()
		if fetchErr != nil && len(items) == 0 {
			return result, c.handleFetchError(ctx, ch, result, fetchErr)
		}
	}

	result.PostsFetched = len(items)
	c.fetched.Add(int64(len(items)))

	// Persist in small batches, one transaction per batch; the cursor
	// advances after each commit, never before.
	for start := 0; start < len(items); start += persistBatchSize {
		end := start + persistBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		created, maxID, err := c.persistBatch(ctx, ch.ID, batch)
		if err != nil {
			result.Errors = append(result.Errors, err)
			// A storage write failure leaves the cursor where the last
			// committed batch put it; the range is re-processed next cycle.
			return result, c.recordFailure(ctx, ch, err)
		}
		result.PostsNew += created
		c.created.Add(int64(created))

		if err := c.cursors.Advance(ctx, ch.ID, maxID); err != nil {
			result.Errors = append(result.Errors, err)
			return result, c.recordFailure(ctx, ch, err)
		}
	}

	if fetchErr != nil {
		// Partial fetch: what we stored stands, remainder comes next cycle.
		result.Errors = append(result.Errors, fetchErr)
		log.Warn().
			Int64("channel_id", ch.ID).
			Err(fetchErr).
			Int("persisted", result.PostsNew).
			Msg("Cycle stopped early, remainder deferred to next run")
		return result, nil
	}

	if err := c.recordSuccess(ctx, ch); err != nil {
		result.Errors = append(result.Errors, err)
		return result, err
	}

	log.Info().
		Int64("channel_id", ch.ID).
		Str("ref", ch.Ref).
		Int("fetched", result.PostsFetched).
		Int("new", result.PostsNew).
		Msg("Collection cycle finished")
	return result, nil
}

// persistBatch upserts one batch of items inside a single transaction and
// returns the number of newly created posts and the max source item ID seen.
func (c *Collector) persistBatch(ctx context.Context, channelID int64, items []source.RawItem) (int, int64, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	created := 0
	var maxID int64

	for _, item := range items {
		if item.ID > maxID {
			maxID = item.ID
		}

		var postID int64
		err := tx.GetContext(ctx, &postID,
			"SELECT id FROM posts WHERE channel_id = ? AND source_item_id = ?",
			channelID, item.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO posts (channel_id, source_item_id, content, has_media, posted_at, first_seen_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(channel_id, source_item_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
				channelID, item.ID, item.Text, item.HasMedia, item.PostedAt.UTC(), now, now)
			if err != nil {
				return 0, 0, fmt.Errorf("insert post (channel %d, item %d): %w", channelID, item.ID, err)
			}
			postID, err = res.LastInsertId()
			if err != nil {
				return 0, 0, fmt.Errorf("post id (channel %d, item %d): %w", channelID, item.ID, err)
			}
			created++

			// Index the post text for the lexical half of hybrid search.
			// Content is immutable, so terms are written exactly once.
			for _, term := range tokenize.Text(item.Text) {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO post_terms (term, post_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
					term, postID); err != nil {
					return 0, 0, fmt.Errorf("index term %q for post %d: %w", term, postID, err)
				}
			}

		case err != nil:
			return 0, 0, fmt.Errorf("look up post (channel %d, item %d): %w", channelID, item.ID, err)

		default:
			// Re-collection of a stored item: refresh last_seen_at only,
			// post content stays immutable.
			if _, err := tx.ExecContext(ctx,
				"UPDATE posts SET last_seen_at = ? WHERE id = ?", now, postID); err != nil {
				return 0, 0, fmt.Errorf("refresh post %d: %w", postID, err)
			}
		}

		// Metrics change over time; every cycle captures a fresh snapshot.
		snap := models.EngagementSnapshot{PostID: postID, ViewCount: item.ViewCount, CapturedAt: now}
		snap.SetReactions(item.Reactions)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO engagement_snapshots (post_id, view_count, reactions, captured_at) VALUES (?, ?, ?, ?)",
			snap.PostID, snap.ViewCount, snap.ReactionsJSON, snap.CapturedAt); err != nil {
			return 0, 0, fmt.Errorf("insert snapshot for post %d: %w", postID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit batch: %w", err)
	}
	return created, maxID, nil
}

// handleFetchError classifies a fetch failure. Transient signals (rate limit,
// timeout) defer to the next cycle without touching channel health; permanent
// ones advance the health state machine.
func (c *Collector) handleFetchError(ctx context.Context, ch *models.Channel, result *CollectionResult, fetchErr error) error {
	result.Errors = append(result.Errors, fetchErr)

	if errors.Is(fetchErr, source.ErrRateLimited) || errors.Is(fetchErr, context.DeadlineExceeded) {
		log.Warn().
			Int64("channel_id", ch.ID).
			Str("ref", ch.Ref).
			Err(fetchErr).
			Msg("Transient source error, retrying next cycle")
		return nil
	}

	return c.recordFailure(ctx, ch, fetchErr)
}

// recordFailure advances the channel health state machine after an error.
func (c *Collector) recordFailure(ctx context.Context, ch *models.Channel, cause error) error {
	ch.ConsecutiveErrs++

	health := ch.Health
	switch {
	case errors.Is(cause, source.ErrChannelGone):
		health = models.HealthUnreachable
	case ch.ConsecutiveErrs >= c.opts.UnreachableAfter:
		health = models.HealthUnreachable
	case ch.ConsecutiveErrs >= c.opts.DegradedAfter:
		health = models.HealthDegraded
	}

	if health != ch.Health {
		log.Warn().
			Int64("channel_id", ch.ID).
			Str("ref", ch.Ref).
			Str("from", ch.Health).
			Str("to", health).
			Int("consecutive_errors", ch.ConsecutiveErrs).
			Msg("Channel health transition")
	}
	ch.Health = health

	_, err := c.db.ExecContext(ctx, `
		UPDATE channels
		SET health = ?, consecutive_errors = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		ch.Health, ch.ConsecutiveErrs, cause.Error(), ch.ID)
	if err != nil {
		return fmt.Errorf("record failure for channel %d: %w", ch.ID, err)
	}
	return cause
}

// recordSuccess resets the channel to healthy after a full cycle.
func (c *Collector) recordSuccess(ctx context.Context, ch *models.Channel) error {
	ch.ConsecutiveErrs = 0
	ch.Health = models.HealthHealthy

	_, err := c.db.ExecContext(ctx, `
		UPDATE channels
		SET health = ?, consecutive_errors = 0, last_error = NULL,
		    last_collected_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		models.HealthHealthy, time.Now().UTC(), ch.ID)
	if err != nil {
		return fmt.Errorf("record success for channel %d: %w", ch.ID, err)
	}
	return nil
}

// CollectAll runs collection for every channel that is not unreachable,
// concurrently up to the configured worker bound. Channel cycles are
// independent; one channel failing never stops the others.
func (c *Collector) CollectAll(ctx context.Context) ([]CollectionResult, error) {
	var channels []models.Channel
	err := c.db.SelectContext(ctx, &channels, `
		SELECT * FROM channels
		WHERE health != ?
		ORDER BY last_collected_at ASC, id ASC`,
		models.HealthUnreachable)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}

	results := make([]CollectionResult, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i := range channels {
		g.Go(func() error {
			res, err := c.Collect(gctx, &channels[i])
			if res != nil {
				results[i] = *res
			}
			if err != nil && !errors.Is(err, ErrCycleInProgress) {
				log.Error().
					Int64("channel_id", channels[i].ID).
					Err(err).
					Msg("Channel collection failed")
			}
			// Per-channel errors are recorded on the channel itself;
			// only cancellation aborts the group.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RefreshMetadata re-validates a channel and updates its title and
// subscriber count. Subscriber counts feed relative engagement, so they are
// refreshed periodically rather than only at import time.
func (c *Collector) RefreshMetadata(ctx context.Context, ch *models.Channel) error {
	meta, err := c.src.Validate(ctx, ch.Ref)
	if err != nil {
		if errors.Is(err, source.ErrChannelGone) || errors.Is(err, source.ErrNotFound) {
			return c.recordFailure(ctx, ch, source.ErrChannelGone)
		}
		return err
	}

	_, err = c.db.ExecContext(ctx, `
		UPDATE channels SET title = ?, subscriber_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		meta.Title, meta.SubscriberCount, ch.ID)
	if err != nil {
		return fmt.Errorf("refresh metadata for channel %d: %w", ch.ID, err)
	}
	ch.Title = meta.Title
	ch.SubscriberCount = meta.SubscriberCount
	return nil
}

// PurgeOldPosts removes posts (and their snapshots, terms, keywords and
// enrichment) that fell out of the window plus the retention grace period.
func (c *Collector) PurgeOldPosts(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-(c.opts.Window + c.opts.RetentionGrace))

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM engagement_snapshots WHERE post_id IN (SELECT id FROM posts WHERE posted_at < ?)",
		"DELETE FROM post_terms WHERE post_id IN (SELECT id FROM posts WHERE posted_at < ?)",
		"DELETE FROM post_keywords WHERE post_id IN (SELECT id FROM posts WHERE posted_at < ?)",
		"DELETE FROM post_enrichments WHERE post_id IN (SELECT id FROM posts WHERE posted_at < ?)",
	} {
		if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
			return 0, fmt.Errorf("purge dependents: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE posted_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge posts: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		purged = 0
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}

	if purged > 0 {
		log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Purged posts outside retention")
	}
	return purged, nil
}

func hasItemBelow(items []source.RawItem, cursor int64) bool {
	for _, it := range items {
		if it.ID <= cursor {
			return true
		}
	}
	return false
}
