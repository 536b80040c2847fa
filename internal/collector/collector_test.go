package collector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/source"
)

// fakeSource scripts FetchItems responses per call.
type fakeSource struct {
	meta    *source.ChannelMetadata
	batches [][]source.RawItem
	errs    []error
	calls   int

	lastMinID int64
}

func (f *fakeSource) Validate(ctx context.Context, ref string) (*source.ChannelMetadata, error) {
	if f.meta == nil {
		return nil, source.ErrNotFound
	}
	return f.meta, nil
}

func (f *fakeSource) FetchItems(ctx context.Context, ref string, minID int64, windowStart time.Time) ([]source.RawItem, error) {
	f.lastMinID = minID
	call := f.calls
	f.calls++

	var items []source.RawItem
	if call < len(f.batches) {
		items = f.batches[call]
	}
	var err error
	if call < len(f.errs) {
		err = f.errs[call]
	}
	// Mimic a real source: only items strictly above the cursor come back.
	var filtered []source.RawItem
	for _, it := range items {
		if it.ID > minID {
			filtered = append(filtered, it)
		}
	}
	return filtered, err
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedChannel(t *testing.T, db *database.DB, ref string) *models.Channel {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO channels (ref, title, subscriber_count, health, cursor, consecutive_errors, created_at, updated_at)
		VALUES (?, ?, 1000, ?, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		ref, "Test Channel", models.HealthHealthy)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	ch := models.NewChannel(ref)
	ch.ID = id
	ch.SubscriberCount = 1000
	return ch
}

func items(ids ...int64) []source.RawItem {
	now := time.Now().UTC()
	out := make([]source.RawItem, len(ids))
	for i, id := range ids {
		out[i] = source.RawItem{
			ID:        id,
			Text:      "breaking election news update",
			PostedAt:  now.Add(-time.Duration(i) * time.Minute),
			ViewCount: 100 * id,
			Reactions: map[string]int64{"👍": id},
		}
	}
	return out
}

func TestCollectPersistsAndAdvancesCursor(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	src := &fakeSource{batches: [][]source.RawItem{items(1, 2, 3)}}
	c := New(db, src, Options{Workers: 1})

	res, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, 3, res.PostsFetched)
	require.Equal(t, 3, res.PostsNew)

	cursor, err := c.Cursors().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor)

	var postCount, snapCount, termCount int
	require.NoError(t, db.Get(&postCount, "SELECT COUNT(*) FROM posts"))
	require.NoError(t, db.Get(&snapCount, "SELECT COUNT(*) FROM engagement_snapshots"))
	require.NoError(t, db.Get(&termCount, "SELECT COUNT(*) FROM post_terms"))
	require.Equal(t, 3, postCount)
	require.Equal(t, 3, snapCount)
	require.Positive(t, termCount, "post text should be indexed for lexical search")
}

func TestCollectIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	batch := items(1, 2, 3)
	src := &fakeSource{batches: [][]source.RawItem{batch, batch}}
	c := New(db, src, Options{Workers: 1})

	_, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)

	// Second cycle: the source filters by cursor, so nothing comes back and
	// nothing is duplicated.
	res, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)
	require.Zero(t, res.PostsNew)
	require.Equal(t, int64(3), src.lastMinID)

	var postCount int
	require.NoError(t, db.Get(&postCount, "SELECT COUNT(*) FROM posts"))
	require.Equal(t, 3, postCount)
}

func TestReCollectionRefreshesLastSeenOnly(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	first := items(1)
	edited := items(1)
	edited[0].Text = "edited content upstream"
	src := &fakeSource{batches: [][]source.RawItem{first, edited}}
	c := New(db, src, Options{Workers: 1})

	_, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)

	// Force re-delivery of the same item by resetting the cursor.
	_, err = db.Exec("UPDATE channels SET cursor = 0 WHERE id = ?", ch.ID)
	require.NoError(t, err)

	res, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)
	require.Zero(t, res.PostsNew)

	// Content is immutable; only last_seen_at moves and a fresh snapshot
	// is captured.
	var content string
	require.NoError(t, db.Get(&content, "SELECT content FROM posts WHERE channel_id = ? AND source_item_id = 1", ch.ID))
	require.Equal(t, "breaking election news update", content)

	var snapCount int
	require.NoError(t, db.Get(&snapCount, "SELECT COUNT(*) FROM engagement_snapshots"))
	require.Equal(t, 2, snapCount)
}

func TestRateLimitKeepsCommittedProgress(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	src := &fakeSource{
		batches: [][]source.RawItem{items(1, 2)},
		errs:    []error{source.ErrRateLimited},
	}
	c := New(db, src, Options{Workers: 1})

	// Partial fetch: the items delivered before the rate limit are kept and
	// the cycle reports no error.
	res, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, 2, res.PostsNew)

	cursor, err := c.Cursors().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), cursor)

	// Transient errors never touch channel health.
	var health string
	require.NoError(t, db.Get(&health, "SELECT health FROM channels WHERE id = ?", ch.ID))
	require.Equal(t, models.HealthHealthy, health)
}

func TestRateLimitWithNoItemsIsTransient(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	src := &fakeSource{errs: []error{source.ErrRateLimited}}
	c := New(db, src, Options{Workers: 1})

	_, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)

	var health string
	var consecutive int
	require.NoError(t, db.Get(&health, "SELECT health FROM channels WHERE id = ?", ch.ID))
	require.NoError(t, db.Get(&consecutive, "SELECT consecutive_errors FROM channels WHERE id = ?", ch.ID))
	require.Equal(t, models.HealthHealthy, health)
	require.Zero(t, consecutive)
}

func TestHealthTransitions(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	src := &fakeSource{errs: []error{
		source.ErrNotFound, source.ErrNotFound, source.ErrNotFound,
		source.ErrNotFound, source.ErrNotFound, source.ErrNotFound,
		source.ErrNotFound,
	}}
	c := New(db, src, Options{Workers: 1, DegradedAfter: 3, UnreachableAfter: 7})

	for i := 0; i < 2; i++ {
		_, err := c.Collect(context.Background(), ch)
		require.Error(t, err)
	}
	require.Equal(t, models.HealthHealthy, ch.Health)

	_, err := c.Collect(context.Background(), ch)
	require.Error(t, err)
	require.Equal(t, models.HealthDegraded, ch.Health)

	for i := 0; i < 4; i++ {
		_, err := c.Collect(context.Background(), ch)
		require.Error(t, err)
	}
	require.Equal(t, models.HealthUnreachable, ch.Health)

	var health string
	require.NoError(t, db.Get(&health, "SELECT health FROM channels WHERE id = ?", ch.ID))
	require.Equal(t, models.HealthUnreachable, health)
}

func TestChannelGoneIsImmediatelyUnreachable(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "gone")
	src := &fakeSource{errs: []error{source.ErrChannelGone}}
	c := New(db, src, Options{Workers: 1})

	_, err := c.Collect(context.Background(), ch)
	require.Error(t, err)
	require.Equal(t, models.HealthUnreachable, ch.Health)
}

func TestSuccessResetsHealth(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	src := &fakeSource{
		batches: [][]source.RawItem{nil, nil, nil, items(1)},
		errs:    []error{source.ErrNotFound, source.ErrNotFound, source.ErrNotFound, nil},
	}
	c := New(db, src, Options{Workers: 1, DegradedAfter: 3, UnreachableAfter: 7})

	for i := 0; i < 3; i++ {
		c.Collect(context.Background(), ch)
	}
	require.Equal(t, models.HealthDegraded, ch.Health)

	_, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, models.HealthHealthy, ch.Health)
	require.Zero(t, ch.ConsecutiveErrs)
}

func TestCursorNeverRegresses(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	c := New(db, &fakeSource{}, Options{Workers: 1})

	require.NoError(t, c.Cursors().Advance(context.Background(), ch.ID, 10))
	require.NoError(t, c.Cursors().Advance(context.Background(), ch.ID, 5))

	cursor, err := c.Cursors().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), cursor)
}

func TestPurgeOldPosts(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	old := []source.RawItem{{
		ID:       1,
		Text:     "stale post from last week",
		PostedAt: time.Now().UTC().Add(-7 * 24 * time.Hour),
	}}
	src := &fakeSource{batches: [][]source.RawItem{old}}
	c := New(db, src, Options{Workers: 1, Window: 24 * time.Hour, RetentionGrace: 48 * time.Hour})

	_, err := c.Collect(context.Background(), ch)
	require.NoError(t, err)

	purged, err := c.PurgeOldPosts(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	var remaining int
	require.NoError(t, db.Get(&remaining, "SELECT COUNT(*) FROM posts"))
	require.Zero(t, remaining)
	require.NoError(t, db.Get(&remaining, "SELECT COUNT(*) FROM engagement_snapshots"))
	require.Zero(t, remaining)
	require.NoError(t, db.Get(&remaining, "SELECT COUNT(*) FROM post_terms"))
	require.Zero(t, remaining)
}

func TestRefreshMetadata(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db, "news1")
	src := &fakeSource{meta: &source.ChannelMetadata{Ref: "news1", Title: "Renamed", SubscriberCount: 50000}}
	c := New(db, src, Options{Workers: 1})

	require.NoError(t, c.RefreshMetadata(context.Background(), ch))
	require.Equal(t, "Renamed", ch.Title)
	require.Equal(t, int64(50000), ch.SubscriberCount)

	var count int64
	require.NoError(t, db.Get(&count, "SELECT subscriber_count FROM channels WHERE id = ?", ch.ID))
	require.Equal(t, int64(50000), count)
}
