package collector

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"channelwatch/aggregator/internal/database"
)

// CursorStore is the durable per-channel progress marker: the highest source
// item ID whose Post row has been persisted. The write protocol is
// upsert-items-then-advance; Advance is only ever called after the
// corresponding rows are committed, and the SQL MAX guard makes the cursor
// monotonically non-decreasing even under races or replays.
type CursorStore struct {
	db *database.DB
}

// NewCursorStore creates a cursor store over the channels table.
func NewCursorStore(db *database.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the stored cursor for a channel, zero when none was ever set.
func (c *CursorStore) Get(ctx context.Context, channelID int64) (int64, error) {
	var cursor int64
	err := c.db.GetContext(ctx, &cursor, "SELECT cursor FROM channels WHERE id = ?", channelID)
	if err != nil {
		return 0, fmt.Errorf("get cursor for channel %d: %w", channelID, err)
	}
	return cursor, nil
}

// Advance moves the cursor forward to maxItemID. A lower value is a no-op,
// never a regression.
func (c *CursorStore) Advance(ctx context.Context, channelID, maxItemID int64) error {
	return c.advance(ctx, c.db, channelID, maxItemID)
}

// AdvanceTx is Advance inside a caller-managed transaction.
func (c *CursorStore) AdvanceTx(ctx context.Context, tx *sqlx.Tx, channelID, maxItemID int64) error {
	return c.advance(ctx, tx, channelID, maxItemID)
}

func (c *CursorStore) advance(ctx context.Context, e sqlx.ExecerContext, channelID, maxItemID int64) error {
	_, err := e.ExecContext(ctx,
		"UPDATE channels SET cursor = MAX(cursor, ?), updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		maxItemID, channelID)
	if err != nil {
		return fmt.Errorf("advance cursor for channel %d: %w", channelID, err)
	}
	return nil
}
