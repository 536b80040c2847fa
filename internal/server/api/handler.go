package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"channelwatch/aggregator/internal/cache"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/search"
	"channelwatch/aggregator/internal/server/pagination"
	"channelwatch/aggregator/internal/server/storage"
)

const defaultLimit = 100
const maxLimit = 1000
const iso8601Format = time.RFC3339

// SearchHandler serves hybrid search queries, fronted by the TTL result
// cache so repeated identical queries within the TTL skip the engine.
type SearchHandler struct {
	engine  *search.Engine
	results *cache.Cache[*search.ResultPage]
}

// NewSearchHandler creates a search handler instance.
func NewSearchHandler(engine *search.Engine, results *cache.Cache[*search.ResultPage]) *SearchHandler {
	return &SearchHandler{engine: engine, results: results}
}

// Search handles GET /v1/search requests.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	values := r.URL.Query()

	rawTerms := strings.Fields(values.Get("q"))
	rawTerms = append(rawTerms, values["term"]...)
	if len(rawTerms) == 0 {
		log.Warn().Msg("Missing required parameter: 'q' or 'term'")
		http.Error(w, "Missing required parameter: 'q' or 'term'", http.StatusBadRequest)
		return
	}

	q := search.Query{
		Terms:     rawTerms,
		Category:  values.Get("category"),
		Sentiment: values.Get("sentiment"),
	}
	if q.Sentiment != "" && !models.ValidSentiment(q.Sentiment) {
		log.Warn().Str("sentiment", q.Sentiment).Msg("Invalid 'sentiment' parameter value")
		http.Error(w, "Invalid 'sentiment' parameter", http.StatusBadRequest)
		return
	}

	if v := values.Get("include_enrichment"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			log.Warn().Str("include_enrichment", v).Msg("Invalid 'include_enrichment' parameter value")
			http.Error(w, "Invalid 'include_enrichment' parameter: must be a boolean", http.StatusBadRequest)
			return
		}
		q.SkipEnrichment = !include
	}

	if v := values.Get("from"); v != "" {
		ts, err := time.Parse(iso8601Format, v)
		if err != nil {
			log.Warn().Str("from", v).Msg("Invalid 'from' parameter format")
			http.Error(w, "Invalid 'from' parameter: use RFC3339 format", http.StatusBadRequest)
			return
		}
		q.WindowStart = ts.UTC()
	}
	if v := values.Get("to"); v != "" {
		ts, err := time.Parse(iso8601Format, v)
		if err != nil {
			log.Warn().Str("to", v).Msg("Invalid 'to' parameter format")
			http.Error(w, "Invalid 'to' parameter: use RFC3339 format", http.StatusBadRequest)
			return
		}
		q.WindowEnd = ts.UTC()
	}

	var err error
	if q.Page, err = positiveIntParam(values.Get("page"), 1); err != nil {
		log.Warn().Err(err).Msg("Invalid 'page' parameter value")
		http.Error(w, "Invalid 'page' parameter", http.StatusBadRequest)
		return
	}
	if q.PageSize, err = positiveIntParam(values.Get("page_size"), 0); err != nil {
		log.Warn().Err(err).Msg("Invalid 'page_size' parameter value")
		http.Error(w, "Invalid 'page_size' parameter", http.StatusBadRequest)
		return
	}

	page, err := h.results.GetOrFill(r.Context(), q.Signature(), func(ctx context.Context) (*search.ResultPage, error) {
		return h.engine.Search(ctx, q)
	})
	if err != nil {
		log.Error().Err(err).Strs("terms", rawTerms).Msg("Search failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, page)
}

func positiveIntParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

// PostsResponse is the paginated export payload.
type PostsResponse struct {
	Posts      []models.Post `json:"posts"`
	NextCursor *string       `json:"next_cursor,omitempty"`
}

// PostsHandler serves the raw post export endpoint.
type PostsHandler struct {
	repo storage.PostRepository
}

// NewPostsHandler creates a posts handler instance.
func NewPostsHandler(repo storage.PostRepository) *PostsHandler {
	return &PostsHandler{repo: repo}
}

// GetPosts handles requests to export collected posts in first-seen order.
func (h *PostsHandler) GetPosts(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	log.Debug().Msg("Processing posts export request")

	ctx := r.Context()

	query := r.URL.Query()
	limitStr := query.Get("limit")
	sinceStr := query.Get("since")
	cursorStr := query.Get("cursor")

	limit := defaultLimit
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 || parsedLimit > maxLimit {
			log.Warn().Err(err).Str("limit", limitStr).Msg("Invalid 'limit' parameter value")
			http.Error(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLimit), http.StatusBadRequest)
			return
		}
		limit = parsedLimit
	}

	var since *time.Time
	var cursorTimestamp *time.Time
	var cursorID *int64

	if cursorStr != "" {
		ts, id, err := pagination.DecodeCursor(cursorStr)
		if err != nil {
			log.Warn().Err(err).Str("cursor", cursorStr).Msg("Invalid 'cursor' parameter")
			http.Error(w, "Invalid 'cursor' parameter", http.StatusBadRequest)
			return
		}
		cursorTimestamp = &ts
		cursorID = &id
	} else if sinceStr != "" {
		parsedSince, err := time.Parse(iso8601Format, sinceStr)
		if err != nil {
			log.Warn().Err(err).Str("since", sinceStr).Msg("Invalid 'since' parameter format")
			http.Error(w, "Invalid 'since' parameter: use RFC3339 format (e.g., 2025-03-28T15:00:00Z)", http.StatusBadRequest)
			return
		}
		utcSince := parsedSince.UTC()
		since = &utcSince
	} else {
		log.Warn().Msg("Missing required parameter: 'since' or 'cursor'")
		http.Error(w, "Missing required parameter: 'since' or 'cursor'", http.StatusBadRequest)
		return
	}

	posts, err := h.repo.FetchPosts(ctx, limit+1, since, cursorTimestamp, cursorID) // Fetch one extra
	if err != nil {
		errLogEvent := log.Error().Err(err)
		if since != nil {
			errLogEvent = errLogEvent.Time("since", *since)
		}
		errLogEvent.Str("cursor", cursorStr).Msg("Error fetching posts from repository")

		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var nextCursorStr *string
	hasNextPage := len(posts) > limit
	actualPosts := posts
	if hasNextPage {
		actualPosts = posts[:limit]
		if len(actualPosts) > 0 {
			lastPost := actualPosts[len(actualPosts)-1]
			cursor := pagination.EncodeCursor(lastPost.FirstSeenAt.UTC(), lastPost.ID)
			nextCursorStr = &cursor
		}
	}

	writeJSON(w, r, PostsResponse{Posts: actualPosts, NextCursor: nextCursorStr})
}

func writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	log := hlog.FromRequest(r)

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write(jsonBytes); writeErr != nil {
		log.Error().Err(writeErr).Msg("Error writing JSON response body to client")
	}
	log.Debug().Int("bytes_written", len(jsonBytes)).Msg("Response completed")
}
