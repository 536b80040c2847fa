// Package enrich extracts keywords, category, sentiment and entities from
// post text through an external text-enrichment provider, under a local rate
// limit. Provider failures never take a post out of rotation: an unenriched
// post stays eligible for retry forever and remains searchable through the
// lexical path.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth"
	KindRateLimit         ErrorKind = "rate_limit"
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// ProviderError is the tagged failure type every provider implementation
// returns. Usage is populated when tokens were consumed before the failure,
// so cost accounting survives partial failures.
type ProviderError struct {
	Kind  ErrorKind
	Cause error
	Usage Usage
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("enrichment provider (%s): %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("enrichment provider (%s)", e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Usage counts provider tokens consumed by a request.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Result is the validated per-post enrichment a provider produces.
type Result struct {
	ExplicitKeywords []string `json:"explicit_keywords"`
	ImplicitKeywords []string `json:"implicit_keywords"`
	Category         string   `json:"category"`
	Sentiment        string   `json:"sentiment"`
	Entities         []string `json:"entities"`

	Usage Usage `json:"-"`
}

// Provider abstracts the LLM vendor behind a structured-completion call.
type Provider interface {
	CompleteStructured(ctx context.Context, prompt string) (*Result, error)
}

// parseResult validates the provider's free-text response against the
// expected field set. Missing optional fields default to empty; a response
// that is not a JSON object of the expected shape is a malformed-response
// provider error, never a crash.
func parseResult(raw string, usage Usage) (*Result, error) {
	raw = stripCodeFences(raw)

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, &ProviderError{
			Kind:  KindMalformedResponse,
			Cause: fmt.Errorf("parse response: %w (raw: %s)", err, truncate(raw, 300)),
			Usage: usage,
		}
	}
	res.Usage = usage
	return &res, nil
}

// stripCodeFences unwraps markdown code blocks some models insist on.
func stripCodeFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		if strings.HasSuffix(raw, "```") {
			raw = raw[:len(raw)-3]
		}
		raw = strings.TrimSpace(raw)
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
