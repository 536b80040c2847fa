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

// AnthropicProvider implements Provider against the Anthropic messages API.
type AnthropicProvider struct {
	client  *http.Client
	model   string
	apiKey  string
	baseURL string
}

// NewAnthropicProvider creates an Anthropic-backed enrichment provider.
func NewAnthropicProvider(model, apiKey, baseURL string, timeout time.Duration) *AnthropicProvider {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicProvider{
		client:  &http.Client{Timeout: timeout},
		model:   model,
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

// CompleteStructured sends the prompt and parses the structured JSON reply.
func (p *AnthropicProvider) CompleteStructured(ctx context.Context, prompt string) (*Result, error) {
	payload := map[string]any{
		"model":      p.model,
		"max_tokens": 1024,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindMalformedResponse, Cause: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if kind, bad := classifyStatus(resp.StatusCode); bad {
		var errResp map[string]any
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, &ProviderError{Kind: kind, Cause: fmt.Errorf("anthropic status %d: %v", resp.StatusCode, errResp)}
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Kind: KindMalformedResponse, Cause: fmt.Errorf("decode anthropic response: %w", err)}
	}

	usage := Usage{PromptTokens: result.Usage.InputTokens, CompletionTokens: result.Usage.OutputTokens}
	if len(result.Content) == 0 {
		return nil, &ProviderError{Kind: KindMalformedResponse, Cause: errors.New("anthropic: no content returned"), Usage: usage}
	}
	return parseResult(result.Content[0].Text, usage)
}
