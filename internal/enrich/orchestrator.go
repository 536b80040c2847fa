package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/tokenize"
)

const promptTemplate = `Analyze the following public channel post and return a single JSON object with exactly these fields:

- "explicit_keywords": array of up to 8 keywords literally present in the text
- "implicit_keywords": array of up to 8 related terms NOT literally present in the text
- "category": one of "politics", "economy", "society", "technology", "culture", "sports", "incidents", "other"
- "sentiment": one of "positive", "neutral", "negative"
- "entities": array of named people, organizations and places mentioned

Post text:
%s

Return ONLY the JSON object, no other text.`

// BatchResult summarizes one enrichment pass.
type BatchResult struct {
	Enriched int
	Failed   int
	Usage    Usage
	Errors   []error
}

// Orchestrator batches unenriched posts through the provider under a local
// requests-per-minute cap. The cap is ours, not the vendor's: it leaves
// headroom below the vendor limit so other consumers of the same key are not
// starved.
type Orchestrator struct {
	db       *database.DB
	provider Provider
	limiter  *rate.Limiter
}

// NewOrchestrator creates an orchestrator with the given rate cap.
func NewOrchestrator(db *database.DB, provider Provider, requestsPerMinute int) *Orchestrator {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	return &Orchestrator{
		db:       db,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

// PendingPosts returns up to limit posts that have no enrichment row yet,
// newest first. Media-only posts with no text are skipped: there is nothing
// to enrich and they stay metrics-only.
func (o *Orchestrator) PendingPosts(ctx context.Context, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 20
	}
	var posts []models.Post
	err := o.db.SelectContext(ctx, &posts, `
		SELECT p.* FROM posts p
		LEFT JOIN post_enrichments e ON e.post_id = p.id
		WHERE e.post_id IS NULL AND p.content != ''
		ORDER BY p.posted_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending posts: %w", err)
	}
	return posts, nil
}

// EnrichBatch runs the provider over a batch of posts. Failed posts are left
// unenriched and eligible for a later pass; no provider error escapes the
// orchestrator. Token usage is recorded per attempt whether or not the
// attempt succeeded.
func (o *Orchestrator) EnrichBatch(ctx context.Context, posts []models.Post) BatchResult {
	var result BatchResult

	for i := range posts {
		post := &posts[i]

		if err := o.limiter.Wait(ctx); err != nil {
			// Deadline hit while throttled: remaining posts wait for the
			// next scheduled pass.
			result.Errors = append(result.Errors, err)
			result.Failed += len(posts) - i
			return result
		}

		res, err := o.provider.CompleteStructured(ctx, fmt.Sprintf(promptTemplate, post.Content))
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)

			var usage Usage
			var perr *ProviderError
			if errors.As(err, &perr) {
				usage = perr.Usage
			}
			o.recordUsage(ctx, post.ID, usage, false)
			result.Usage.PromptTokens += usage.PromptTokens
			result.Usage.CompletionTokens += usage.CompletionTokens

			log.Warn().
				Int64("post_id", post.ID).
				Err(err).
				Msg("Enrichment failed, post left for retry")
			continue
		}

		if err := o.persist(ctx, post.ID, res); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			o.recordUsage(ctx, post.ID, res.Usage, false)
			log.Error().Int64("post_id", post.ID).Err(err).Msg("Failed to persist enrichment")
			continue
		}

		o.recordUsage(ctx, post.ID, res.Usage, true)
		result.Usage.PromptTokens += res.Usage.PromptTokens
		result.Usage.CompletionTokens += res.Usage.CompletionTokens
		result.Enriched++
	}

	log.Info().
		Int("enriched", result.Enriched).
		Int("failed", result.Failed).
		Int64("prompt_tokens", result.Usage.PromptTokens).
		Int64("completion_tokens", result.Usage.CompletionTokens).
		Msg("Enrichment batch finished")
	return result
}

// persist validates and stores one enrichment result: the post_enrichments
// upsert and the post_keywords inverted index rows commit atomically.
// Keywords are normalized through the same tokenizer the search engine uses,
// since keyword matching is exact set overlap.
func (o *Orchestrator) persist(ctx context.Context, postID int64, res *Result) error {
	explicit := tokenize.Terms(res.ExplicitKeywords)
	implicit := tokenize.Terms(res.ImplicitKeywords)
	entities := tokenize.Terms(res.Entities)

	sentiment := res.Sentiment
	if !models.ValidSentiment(sentiment) {
		sentiment = models.SentimentNeutral
	}

	e := models.PostEnrichment{
		PostID:           postID,
		Category:         res.Category,
		Sentiment:        sentiment,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		EnrichedAt:       time.Now().UTC(),
	}
	e.SetKeywords(explicit, implicit, entities)

	tx, err := o.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrichment transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO post_enrichments (post_id, explicit_keywords, implicit_keywords, category, sentiment, entities, prompt_tokens, completion_tokens, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(post_id) DO UPDATE SET
			explicit_keywords = excluded.explicit_keywords,
			implicit_keywords = excluded.implicit_keywords,
			category = excluded.category,
			sentiment = excluded.sentiment,
			entities = excluded.entities,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			enriched_at = excluded.enriched_at`,
		e.PostID, e.ExplicitKeywordsJSON, e.ImplicitKeywordsJSON, e.Category, e.Sentiment,
		e.EntitiesJSON, e.PromptTokens, e.CompletionTokens, e.EnrichedAt)
	if err != nil {
		return fmt.Errorf("upsert enrichment for post %d: %w", postID, err)
	}

	// Rebuild the keyword index rows for this post.
	if _, err := tx.ExecContext(ctx, "DELETE FROM post_keywords WHERE post_id = ?", postID); err != nil {
		return fmt.Errorf("clear keywords for post %d: %w", postID, err)
	}
	for _, kw := range explicit {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO post_keywords (keyword, post_id, implicit) VALUES (?, ?, 0) ON CONFLICT DO NOTHING",
			kw, postID); err != nil {
			return fmt.Errorf("index keyword %q for post %d: %w", kw, postID, err)
		}
	}
	for _, kw := range implicit {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO post_keywords (keyword, post_id, implicit) VALUES (?, ?, 1) ON CONFLICT DO NOTHING",
			kw, postID); err != nil {
			return fmt.Errorf("index keyword %q for post %d: %w", kw, postID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrichment for post %d: %w", postID, err)
	}
	return nil
}

// recordUsage appends to the token spend ledger. Best effort: a ledger write
// failure is logged, never escalated.
func (o *Orchestrator) recordUsage(ctx context.Context, postID int64, usage Usage, succeeded bool) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && !succeeded {
		return
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO enrichment_usage (post_id, prompt_tokens, completion_tokens, succeeded, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		postID, usage.PromptTokens, usage.CompletionTokens, succeeded, time.Now().UTC())
	if err != nil {
		log.Warn().Int64("post_id", postID).Err(err).Msg("Failed to record provider usage")
	}
}
