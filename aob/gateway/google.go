package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGoogleModel is used when a request does not name a model.
const DefaultGoogleModel = "gemini-1.5-flash"

// GoogleInvoker executes agent nodes against Google's Gemini API.
// Call Close when the invoker is no longer needed.
type GoogleInvoker struct {
	client *genai.Client
	model  string
}

// NewGoogleInvoker creates an invoker with the given API key and default
// model (DefaultGoogleModel when model is empty).
func NewGoogleInvoker(ctx context.Context, apiKey, model string) (*GoogleInvoker, error) {
	if model == "" {
		model = DefaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &GoogleInvoker{client: client, model: model}, nil
}

// Invoke implements Invoker.
func (g *GoogleInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	name := req.Model
	if name == "" {
		name = g.model
	}
	model := g.client.GenerativeModel(name)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classifyProviderError("google", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, &Error{Code: "empty_response", Message: "google: no candidates returned", Transient: true}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	out := Response{
		Output: map[string]any{"text": sb.String()},
		Model:  name,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases the underlying client.
func (g *GoogleInvoker) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
