package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// OpenAIProvider implements Provider against the OpenAI chat completions API.
type OpenAIProvider struct {
	client  *http.Client
	model   string
	apiKey  string
	baseURL string
}

// NewOpenAIProvider creates an OpenAI-backed enrichment provider.
func NewOpenAIProvider(model, apiKey, baseURL string, timeout time.Duration) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		client:  &http.Client{Timeout: timeout},
		model:   model,
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

// CompleteStructured sends the prompt and parses the structured JSON reply.
func (p *OpenAIProvider) CompleteStructured(ctx context.Context, prompt string) (*Result, error) {
	payload := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindMalformedResponse, Cause: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if kind, bad := classifyStatus(resp.StatusCode); bad {
		var errResp map[string]any
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, &ProviderError{Kind: kind, Cause: fmt.Errorf("openai status %d: %v", resp.StatusCode, errResp)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Kind: KindMalformedResponse, Cause: fmt.Errorf("decode openai response: %w", err)}
	}

	usage := Usage{PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{Kind: KindMalformedResponse, Cause: errors.New("openai: no choices returned"), Usage: usage}
	}
	return parseResult(result.Choices[0].Message.Content, usage)
}

// classifyStatus maps HTTP status codes onto provider error kinds.
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusOK:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, true
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout, true
	default:
		return KindMalformedResponse, true
	}
}

// classifyTransportErr maps client-side failures (deadline, cancelled
// connection) onto provider error kinds. Timeouts behave like rate limits:
// stop now, retry later.
func classifyTransportErr(err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Cause: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: KindTimeout, Cause: err}
	}
	return &ProviderError{Kind: KindRateLimit, Cause: err}
}
