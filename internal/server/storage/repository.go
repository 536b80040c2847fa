package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
)

// PostRepository defines read operations for exporting collected posts.
type PostRepository interface {
	FetchPosts(ctx context.Context, limit int, since *time.Time, cursorTimestamp *time.Time, cursorID *int64) ([]models.Post, error)
}

// sqlxRepository implements PostRepository using sqlx.
type sqlxRepository struct {
	db *database.DB
}

// NewRepository creates a new repository instance.
func NewRepository(db *database.DB) PostRepository {
	return &sqlxRepository{db: db}
}

// FetchPosts retrieves posts in first-seen order, either from a 'since'
// timestamp (first page) or from a keyset cursor (subsequent pages).
func (r *sqlxRepository) FetchPosts(ctx context.Context, limit int, since *time.Time, cursorTimestamp *time.Time, cursorID *int64) ([]models.Post, error) {
	var posts []models.Post
	var query string
	var args []any

	// Consistent ordering is required for the cursor to be stable.
	const baseQuery = `SELECT id, channel_id, source_item_id, content, has_media,
		posted_at, first_seen_at, last_seen_at FROM posts `
	const orderBy = ` ORDER BY first_seen_at ASC, id ASC LIMIT ?`

	if cursorTimestamp != nil && cursorID != nil {
		query = baseQuery + `WHERE (first_seen_at > ?) OR (first_seen_at = ? AND id > ?)` + orderBy
		args = append(args, cursorTimestamp.UTC(), cursorTimestamp.UTC(), *cursorID, limit)
	} else if since != nil {
		query = baseQuery + `WHERE first_seen_at > ?` + orderBy
		args = append(args, since.UTC(), limit)
	} else {
		return nil, fmt.Errorf("either 'since' or cursor parameters must be provided")
	}

	err := r.db.SelectContext(ctx, &posts, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []models.Post{}, nil
		}
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	return posts, nil
}
