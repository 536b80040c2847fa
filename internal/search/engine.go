// Package search implements hybrid retrieval: a lexical match over post text
// and a set-overlap match over enrichment keywords, unioned into one ranked
// list. Either signal alone is sufficient to surface a result; a corpus with
// no enrichment at all degrades to lexical-only matching without errors.
package search

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/ranking"
	"channelwatch/aggregator/internal/tokenize"
)

// MatchType records which retrieval path produced a result.
type MatchType string

const (
	MatchLexical MatchType = "lexical"
	MatchKeyword MatchType = "keyword"
	MatchBoth    MatchType = "both"
)

// Query is a search request. Terms are raw user input; normalization happens
// inside the engine with the same tokenizer the ingest side uses.
type Query struct {
	Terms     []string
	Category  string
	Sentiment string

	// SkipEnrichment disables the keyword-set retrieval path entirely.
	SkipEnrichment bool

	// Window bounds; zero values default to the engine's rolling window
	// ending now.
	WindowStart time.Time
	WindowEnd   time.Time

	Page     int
	PageSize int
}

// Signature returns the deterministic cache key material for the query:
// normalized sorted terms, window bounds, filters and page.
func (q Query) Signature() string {
	terms := tokenize.Terms(q.Terms)
	sort.Strings(terms)

	h := sha256.New()
	fmt.Fprintf(h, "t=%s|c=%s|s=%s|e=%t|w=%d-%d|p=%d-%d",
		strings.Join(terms, ","), q.Category, q.Sentiment, q.SkipEnrichment,
		q.WindowStart.UTC().Unix(), q.WindowEnd.UTC().Unix(), q.Page, q.PageSize)
	return hex.EncodeToString(h.Sum(nil))
}

// Metrics is the engagement snapshot a result was ranked on.
type Metrics struct {
	ViewCount       int64            `json:"view_count"`
	Reactions       map[string]int64 `json:"reactions,omitempty"`
	SubscriberCount int64            `json:"subscriber_count"`
}

// Enrichment is the slice of enrichment data a result matched or was
// filtered on. Nil when the post has no enrichment row.
type Enrichment struct {
	Category         string   `json:"category"`
	Sentiment        string   `json:"sentiment"`
	MatchedKeywords  []string `json:"matched_keywords,omitempty"`
	ExplicitKeywords []string `json:"explicit_keywords,omitempty"`
	ImplicitKeywords []string `json:"implicit_keywords,omitempty"`
}

// Result is one ranked search hit with provenance.
type Result struct {
	PostID       int64       `json:"post_id"`
	ChannelID    int64       `json:"channel_id"`
	ChannelTitle string      `json:"channel_title"`
	Content      string      `json:"content"`
	PostedAt     time.Time   `json:"posted_at"`
	Score        float64     `json:"score"`
	MatchType    MatchType   `json:"match_type"`
	Metrics      Metrics     `json:"metrics"`
	Enrichment   *Enrichment `json:"enrichment,omitempty"`
}

// ResultPage is an ordered page of hits.
type ResultPage struct {
	Results  []Result `json:"results"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Engine executes hybrid searches. Read-only: it never blocks on collection
// or enrichment and sees whatever has been durably committed so far.
type Engine struct {
	db      *database.DB
	weights ranking.Weights
	window  time.Duration
}

// NewEngine creates a search engine with the configured reaction weights and
// rolling window.
func NewEngine(db *database.DB, weights ranking.Weights, window time.Duration) *Engine {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Engine{db: db, weights: weights, window: window}
}

// Search runs the query and returns one ranked page.
func (e *Engine) Search(ctx context.Context, q Query) (*ResultPage, error) {
	page, pageSize := normalizePage(q.Page, q.PageSize)

	terms := tokenize.Terms(q.Terms)
	empty := &ResultPage{Results: []Result{}, Page: page, PageSize: pageSize}
	if len(terms) == 0 {
		return empty, nil
	}

	now := time.Now().UTC()
	windowEnd := q.WindowEnd
	if windowEnd.IsZero() {
		windowEnd = now
	}
	windowStart := q.WindowStart
	if windowStart.IsZero() {
		windowStart = windowEnd.Add(-e.window)
	}

	lexical, err := e.candidateIDs(ctx, "SELECT DISTINCT post_id FROM post_terms WHERE term IN (?)", terms)
	if err != nil {
		return nil, fmt.Errorf("lexical candidates: %w", err)
	}

	var keyword map[int64]struct{}
	if !q.SkipEnrichment {
		keyword, err = e.candidateIDs(ctx, "SELECT DISTINCT post_id FROM post_keywords WHERE keyword IN (?)", terms)
		if err != nil {
			return nil, fmt.Errorf("keyword candidates: %w", err)
		}
	}

	// Union, never intersection: either path alone surfaces a result.
	matches := make(map[int64]MatchType, len(lexical)+len(keyword))
	for id := range lexical {
		matches[id] = MatchLexical
	}
	for id := range keyword {
		if _, both := matches[id]; both {
			matches[id] = MatchBoth
		} else {
			matches[id] = MatchKeyword
		}
	}
	if len(matches) == 0 {
		return empty, nil
	}

	rows, err := e.hydrate(ctx, matches, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	results := e.rank(rows, matches, terms, q, now)

	total := len(results)
	start := (page - 1) * pageSize
	if start >= total {
		return &ResultPage{Results: []Result{}, Total: total, Page: page, PageSize: pageSize}, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &ResultPage{Results: results[start:end], Total: total, Page: page, PageSize: pageSize}, nil
}

func (e *Engine) candidateIDs(ctx context.Context, query string, terms []string) (map[int64]struct{}, error) {
	q, args, err := sqlx.In(query, terms)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := e.db.SelectContext(ctx, &ids, e.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// candidateRow carries a post joined with its channel, its latest engagement
// snapshot and its (possibly absent) enrichment.
type candidateRow struct {
	models.Post

	ChannelTitle    string `db:"channel_title"`
	SubscriberCount int64  `db:"subscriber_count"`

	ViewCount     sql.NullInt64  `db:"view_count"`
	ReactionsJSON sql.NullString `db:"reactions"`

	Category         sql.NullString `db:"category"`
	Sentiment        sql.NullString `db:"sentiment"`
	ExplicitKeywords sql.NullString `db:"explicit_keywords"`
	ImplicitKeywords sql.NullString `db:"implicit_keywords"`
}

func (e *Engine) hydrate(ctx context.Context, matches map[int64]MatchType, windowStart, windowEnd time.Time) ([]candidateRow, error) {
	ids := make([]int64, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}

	query, args, err := sqlx.In(`
		SELECT p.id, p.channel_id, p.source_item_id, p.content, p.has_media,
		       p.posted_at, p.first_seen_at, p.last_seen_at,
		       c.title AS channel_title, c.subscriber_count,
		       s.view_count, s.reactions,
		       en.category, en.sentiment, en.explicit_keywords, en.implicit_keywords
		FROM posts p
		JOIN channels c ON c.id = p.channel_id
		LEFT JOIN engagement_snapshots s ON s.id = (
			SELECT id FROM engagement_snapshots
			WHERE post_id = p.id
			ORDER BY captured_at DESC, id DESC
			LIMIT 1
		)
		LEFT JOIN post_enrichments en ON en.post_id = p.id
		WHERE p.id IN (?) AND p.posted_at >= ? AND p.posted_at <= ?`,
		ids, windowStart.UTC(), windowEnd.UTC())
	if err != nil {
		return nil, fmt.Errorf("build hydrate query: %w", err)
	}

	var rows []candidateRow
	if err := e.db.SelectContext(ctx, &rows, e.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}
	return rows, nil
}

// rank applies enrichment filters, scores every surviving candidate and
// orders them deterministically.
func (e *Engine) rank(rows []candidateRow, matches map[int64]MatchType, terms []string, q Query, now time.Time) []Result {
	termSet := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		termSet[t] = struct{}{}
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		hasEnrichment := row.Category.Valid || row.Sentiment.Valid

		// Category/sentiment filters only apply to posts that have
		// enrichment data; unenriched posts are excluded from filtered
		// queries but stay eligible for unfiltered ones.
		if q.Category != "" && (!hasEnrichment || row.Category.String != q.Category) {
			continue
		}
		if q.Sentiment != "" && (!hasEnrichment || row.Sentiment.String != q.Sentiment) {
			continue
		}

		snap := models.EngagementSnapshot{ReactionsJSON: row.ReactionsJSON.String}
		reactions := snap.Reactions()

		reactionScore := ranking.ReactionScore(reactions, e.weights)
		relEng := ranking.RelativeEngagement(row.ViewCount.Int64, reactionScore, row.SubscriberCount)
		score := ranking.CombinedScore(relEng, now.Sub(row.PostedAt), e.window)

		res := Result{
			PostID:       row.ID,
			ChannelID:    row.ChannelID,
			ChannelTitle: row.ChannelTitle,
			Content:      row.Content,
			PostedAt:     row.PostedAt,
			Score:        score,
			MatchType:    matches[row.ID],
			Metrics: Metrics{
				ViewCount:       row.ViewCount.Int64,
				Reactions:       reactions,
				SubscriberCount: row.SubscriberCount,
			},
		}

		if hasEnrichment {
			explicit := decodeKeywords(row.ExplicitKeywords)
			implicit := decodeKeywords(row.ImplicitKeywords)
			res.Enrichment = &Enrichment{
				Category:         row.Category.String,
				Sentiment:        row.Sentiment.String,
				ExplicitKeywords: explicit,
				ImplicitKeywords: implicit,
				MatchedKeywords:  overlap(termSet, explicit, implicit),
			}
		}

		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		return ranking.Less(
			ranking.Ranked{PostID: results[i].PostID, Score: results[i].Score, PostedAt: results[i].PostedAt, Both: results[i].MatchType == MatchBoth},
			ranking.Ranked{PostID: results[j].PostID, Score: results[j].Score, PostedAt: results[j].PostedAt, Both: results[j].MatchType == MatchBoth},
		)
	})
	return results
}

func decodeKeywords(ns sql.NullString) []string {
	if !ns.Valid {
		return nil
	}
	e := models.PostEnrichment{ExplicitKeywordsJSON: ns.String}
	return e.ExplicitKeywords()
}

// overlap returns the query terms present in the post's keyword sets, in
// keyword order.
func overlap(termSet map[string]struct{}, keywordSets ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, set := range keywordSets {
		for _, kw := range set {
			if _, hit := termSet[kw]; !hit {
				continue
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
