package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/tokenize"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	t  *testing.T
	db *database.DB
}

func (f *fixture) channel(ref string, subscribers int64) int64 {
	res, err := f.db.Exec(`
		INSERT INTO channels (ref, title, subscriber_count, health, created_at, updated_at)
		VALUES (?, ?, ?, 'healthy', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		ref, "Channel "+ref, subscribers)
	require.NoError(f.t, err)
	id, err := res.LastInsertId()
	require.NoError(f.t, err)
	return id
}

// post stores a post with its lexical term index and one engagement snapshot,
// the same shape collection leaves behind.
func (f *fixture) post(channelID, itemID int64, content string, age time.Duration, views int64) int64 {
	now := time.Now().UTC()
	res, err := f.db.Exec(`
		INSERT INTO posts (channel_id, source_item_id, content, posted_at, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		channelID, itemID, content, now.Add(-age), now, now)
	require.NoError(f.t, err)
	id, err := res.LastInsertId()
	require.NoError(f.t, err)

	for _, term := range tokenize.Text(content) {
		_, err = f.db.Exec("INSERT INTO post_terms (term, post_id) VALUES (?, ?)", term, id)
		require.NoError(f.t, err)
	}

	_, err = f.db.Exec(`
		INSERT INTO engagement_snapshots (post_id, view_count, reactions, captured_at)
		VALUES (?, ?, '{}', ?)`, id, views, now)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) enrich(postID int64, category, sentiment string, keywords ...string) {
	e := models.PostEnrichment{PostID: postID, Category: category, Sentiment: sentiment, EnrichedAt: time.Now().UTC()}
	e.SetKeywords(keywords, nil, nil)
	_, err := f.db.Exec(`
		INSERT INTO post_enrichments (post_id, explicit_keywords, implicit_keywords, category, sentiment, entities, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PostID, e.ExplicitKeywordsJSON, e.ImplicitKeywordsJSON, e.Category, e.Sentiment, e.EntitiesJSON, e.EnrichedAt)
	require.NoError(f.t, err)

	for _, kw := range tokenize.Terms(keywords) {
		_, err = f.db.Exec("INSERT INTO post_keywords (keyword, post_id, implicit) VALUES (?, ?, 0)", kw, postID)
		require.NoError(f.t, err)
	}
}

func TestSearchUnionNotIntersection(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)

	lexOnly := f.post(ch, 1, "corruption scandal in city hall", time.Hour, 100)
	kwOnly := f.post(ch, 2, "officials face new charges", 2*time.Hour, 100)
	f.enrich(kwOnly, "politics", "negative", "corruption")
	both := f.post(ch, 3, "corruption inquiry widens", 3*time.Hour, 100)
	f.enrich(both, "politics", "negative", "corruption")

	engine := NewEngine(db, nil, 24*time.Hour)
	page, err := engine.Search(context.Background(), Query{Terms: []string{"corruption"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 3)

	byID := map[int64]MatchType{}
	for _, r := range page.Results {
		byID[r.PostID] = r.MatchType
	}
	require.Equal(t, MatchLexical, byID[lexOnly])
	require.Equal(t, MatchKeyword, byID[kwOnly])
	require.Equal(t, MatchBoth, byID[both])
}

func TestSearchLexicalOnlyCorpus(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)
	f.post(ch, 1, "corruption scandal breaks", time.Hour, 500)
	f.post(ch, 2, "weather forecast sunny", time.Hour, 500)

	// No enrichment rows at all; keyword retrieval degrades to nothing and
	// lexical matches still come back ordered by score.
	engine := NewEngine(db, nil, 24*time.Hour)
	page, err := engine.Search(context.Background(), Query{Terms: []string{"corruption"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Equal(t, MatchLexical, page.Results[0].MatchType)
	require.Nil(t, page.Results[0].Enrichment)

	// A term that would only exist as an implicit keyword matches nothing
	// when no enrichment was ever produced.
	page, err = engine.Search(context.Background(), Query{Terms: []string{"graft"}})
	require.NoError(t, err)
	require.Empty(t, page.Results)
}

func TestSearchSkipEnrichment(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)
	kwOnly := f.post(ch, 1, "unrelated text body", time.Hour, 100)
	f.enrich(kwOnly, "politics", "neutral", "corruption")
	lex := f.post(ch, 2, "corruption report published", time.Hour, 100)

	engine := NewEngine(db, nil, 24*time.Hour)
	page, err := engine.Search(context.Background(), Query{Terms: []string{"corruption"}, SkipEnrichment: true})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Equal(t, lex, page.Results[0].PostID)
}

func TestSearchCategoryFilter(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)

	politics := f.post(ch, 1, "budget vote scheduled", time.Hour, 100)
	f.enrich(politics, "politics", "neutral", "budget")
	sports := f.post(ch, 2, "budget cuts hit stadium", time.Hour, 100)
	f.enrich(sports, "sports", "negative", "budget")
	unenriched := f.post(ch, 3, "budget leak reported", time.Hour, 100)

	engine := NewEngine(db, nil, 24*time.Hour)

	// Filtered: only enriched posts in the category qualify; unenriched
	// posts are excluded from filtered queries.
	page, err := engine.Search(context.Background(), Query{Terms: []string{"budget"}, Category: "politics"})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Equal(t, politics, page.Results[0].PostID)

	// Unfiltered: the unenriched post is still eligible.
	page, err = engine.Search(context.Background(), Query{Terms: []string{"budget"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 3)

	ids := map[int64]bool{}
	for _, r := range page.Results {
		ids[r.PostID] = true
	}
	require.True(t, ids[unenriched])
}

func TestSearchWindowExcludesOldPosts(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)
	fresh := f.post(ch, 1, "protest downtown today", time.Hour, 100)
	f.post(ch, 2, "protest downtown last week", 7*24*time.Hour, 100)

	engine := NewEngine(db, nil, 24*time.Hour)
	page, err := engine.Search(context.Background(), Query{Terms: []string{"protest"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Equal(t, fresh, page.Results[0].PostID)
}

func TestSearchOrdersByScore(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)

	// Same age, different view counts: more views ranks first.
	quiet := f.post(ch, 1, "strike negotiations continue", time.Hour, 10)
	loud := f.post(ch, 2, "strike ends after agreement", time.Hour, 900)

	engine := NewEngine(db, nil, 24*time.Hour)
	page, err := engine.Search(context.Background(), Query{Terms: []string{"strike"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	require.Equal(t, loud, page.Results[0].PostID)
	require.Equal(t, quiet, page.Results[1].PostID)
	require.Greater(t, page.Results[0].Score, page.Results[1].Score)
}

func TestSearchZeroSubscribersScoresZero(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("tiny", 0)
	f.post(ch, 1, "minor local story", time.Hour, 5000)

	engine := NewEngine(db, nil, 24*time.Hour)
	page, err := engine.Search(context.Background(), Query{Terms: []string{"local"}})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Zero(t, page.Results[0].Score)
}

func TestSearchPagination(t *testing.T) {
	db := newTestDB(t)
	f := &fixture{t: t, db: db}
	ch := f.channel("news1", 1000)
	for i := int64(1); i <= 5; i++ {
		f.post(ch, i, "repeated topic coverage", time.Duration(i)*time.Hour, 100*i)
	}

	engine := NewEngine(db, nil, 24*time.Hour)

	first, err := engine.Search(context.Background(), Query{Terms: []string{"topic"}, Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Results, 2)
	require.Equal(t, 5, first.Total)

	third, err := engine.Search(context.Background(), Query{Terms: []string{"topic"}, Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, third.Results, 1)

	beyond, err := engine.Search(context.Background(), Query{Terms: []string{"topic"}, Page: 9, PageSize: 2})
	require.NoError(t, err)
	require.Empty(t, beyond.Results)
	require.Equal(t, 5, beyond.Total)
}

func TestSearchEmptyTerms(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, nil, 24*time.Hour)

	page, err := engine.Search(context.Background(), Query{Terms: []string{"", "  ", "..."}})
	require.NoError(t, err)
	require.Empty(t, page.Results)
}

func TestQuerySignatureDeterministic(t *testing.T) {
	a := Query{Terms: []string{"Budget", "vote"}, Category: "politics", Page: 1, PageSize: 20}
	b := Query{Terms: []string{"vote", "budget"}, Category: "politics", Page: 1, PageSize: 20}
	c := Query{Terms: []string{"vote", "budget"}, Category: "economy", Page: 1, PageSize: 20}

	require.Equal(t, a.Signature(), b.Signature())
	require.NotEqual(t, b.Signature(), c.Signature())
}
