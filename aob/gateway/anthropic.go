package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when a request does not name a model.
const DefaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicInvoker executes agent nodes against Anthropic's Messages API.
// Safe for concurrent use; the SDK client handles concurrency internally.
type AnthropicInvoker struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicInvoker creates an invoker with the given API key and default
// model (DefaultAnthropicModel when model is empty).
func NewAnthropicInvoker(apiKey, model string) *AnthropicInvoker {
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicInvoker{client: &client, model: model}
}

// Invoke implements Invoker.
func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Response{}, classifyProviderError("anthropic", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return Response{
		Output:       map[string]any{"text": sb.String()},
		Model:        model,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, nil
}

// classifyProviderError maps SDK errors onto the gateway taxonomy by
// message inspection. Providers wrap their HTTP errors differently; the
// status text is the common denominator.
func classifyProviderError(provider string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &Error{Code: "invalid_api_key", Message: fmt.Sprintf("%s: %s", provider, msg), Transient: false}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &Error{Code: "rate_limited", Message: fmt.Sprintf("%s: %s", provider, msg), Transient: true}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return &Error{Code: "timeout", Message: fmt.Sprintf("%s: %s", provider, msg), Transient: true}
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid request"):
		return &Error{Code: "invalid_request", Message: fmt.Sprintf("%s: %s", provider, msg), Transient: false}
	default:
		return &Error{Code: "provider_error", Message: fmt.Sprintf("%s: %s", provider, msg), Transient: true}
	}
}
