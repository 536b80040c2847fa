package models

import (
	"encoding/json"
	"time"
)

// Sentiment values a PostEnrichment may carry.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// ValidSentiment reports whether s is one of the known sentiment values.
func ValidSentiment(s string) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// PostEnrichment represents a row in the 'post_enrichments' table.
// At most one row exists per post (upsert semantics). A post without an
// enrichment row is valid: search degrades to lexical-only matching.
type PostEnrichment struct {
	PostID               int64     `db:"post_id" json:"post_id"`
	ExplicitKeywordsJSON string    `db:"explicit_keywords" json:"-"`
	ImplicitKeywordsJSON string    `db:"implicit_keywords" json:"-"`
	Category             string    `db:"category" json:"category"`
	Sentiment            string    `db:"sentiment" json:"sentiment"`
	EntitiesJSON         string    `db:"entities" json:"-"`
	PromptTokens         int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens     int64     `db:"completion_tokens" json:"completion_tokens"`
	EnrichedAt           time.Time `db:"enriched_at" json:"enriched_at"`
}

// ExplicitKeywords decodes the stored explicit keyword set.
func (e *PostEnrichment) ExplicitKeywords() []string { return decodeStrings(e.ExplicitKeywordsJSON) }

// ImplicitKeywords decodes the stored implicit keyword set.
func (e *PostEnrichment) ImplicitKeywords() []string { return decodeStrings(e.ImplicitKeywordsJSON) }

// Entities decodes the stored entity set.
func (e *PostEnrichment) Entities() []string { return decodeStrings(e.EntitiesJSON) }

// SetKeywords encodes the keyword and entity sets for storage.
func (e *PostEnrichment) SetKeywords(explicit, implicit, entities []string) {
	e.ExplicitKeywordsJSON = encodeStrings(explicit)
	e.ImplicitKeywordsJSON = encodeStrings(implicit)
	e.EntitiesJSON = encodeStrings(entities)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
