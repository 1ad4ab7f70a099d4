package analyzer

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/reviewd/internal/models"
)

const defaultMaxTokens = 4096

// AnthropicProvider reviews diffs with the Anthropic Messages API.
type AnthropicProvider struct {
	id        string
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	pricing   Pricing
}

// NewAnthropicProvider creates a provider for model. The SDK's own retries are
// disabled: a failed call moves on to the next provider in the fallback
// chain instead of being billed twice on the same one.
func NewAnthropicProvider(id string, cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicProvider{
		id:        id,
		api:       &client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
		pricing:   PricingFor(cfg.Model, cfg.Pricing),
	}
}

func (p *AnthropicProvider) ID() string { return p.id }

func (p *AnthropicProvider) EstimateCost(diff DiffContext) float64 {
	system, user := BuildPrompt(models.CategorySecurity, diff)
	return p.pricing.Estimate(len(system)+len(user), p.maxTokens)
}

// Review sends the diff to the model and parses its findings.
func (p *AnthropicProvider) Review(ctx context.Context, category models.Category, diff DiffContext) (Result, error) {
	systemPrompt, userPrompt := BuildPrompt(category, diff)

	msg, err := p.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("anthropic API call: %w", err)
	}

	res := Result{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	res.CostUSD = p.pricing.Cost(res.InputTokens, res.OutputTokens)

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return res, fmt.Errorf("no text content in API response")
	}

	findings, err := ParseFindings(text)
	if err != nil {
		return res, err
	}
	res.Findings = findings
	return res, nil
}
