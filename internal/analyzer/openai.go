package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/joescharf/reviewd/internal/models"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Azure-style gateways, Ollama, LM Studio).
type OpenAIProvider struct {
	id        string
	apiKey    string
	baseURL   string
	model     string
	maxTokens int64
	pricing   Pricing
	client    *http.Client
}

// NewOpenAIProvider creates a provider for model. Deadlines come from the
// caller's context, so the HTTP client carries no timeout of its own.
func NewOpenAIProvider(id string, cfg ProviderConfig) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAIProvider{
		id:        id,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     cfg.Model,
		maxTokens: maxTokens,
		pricing:   PricingFor(cfg.Model, cfg.Pricing),
		client:    &http.Client{},
	}
}

func (p *OpenAIProvider) ID() string { return p.id }

func (p *OpenAIProvider) EstimateCost(diff DiffContext) float64 {
	system, user := BuildPrompt(models.CategorySecurity, diff)
	return p.pricing.Estimate(len(system)+len(user), p.maxTokens)
}

func (p *OpenAIProvider) Review(ctx context.Context, category models.Category, diff DiffContext) (Result, error) {
	systemPrompt, userPrompt := BuildPrompt(category, diff)

	payload, err := json.Marshal(chatRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("parsing response: %w", err)
	}

	res := Result{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	res.CostUSD = p.pricing.Cost(res.InputTokens, res.OutputTokens)

	if len(parsed.Choices) == 0 {
		return res, fmt.Errorf("no choices in API response")
	}
	findings, err := ParseFindings(parsed.Choices[0].Message.Content)
	if err != nil {
		return res, err
	}
	res.Findings = findings
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int64         `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}
