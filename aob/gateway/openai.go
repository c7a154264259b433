package gateway

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultOpenAIModel is used when a request does not name a model.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIInvoker executes agent nodes against OpenAI's chat completions API.
// Safe for concurrent use.
type OpenAIInvoker struct {
	client *openai.Client
	model  string
}

// NewOpenAIInvoker creates an invoker with the given API key and default
// model (DefaultOpenAIModel when model is empty).
func NewOpenAIInvoker(apiKey, model string) (*OpenAIInvoker, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIInvoker{client: &client, model: model}, nil
}

// Invoke implements Invoker.
func (p *OpenAIInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(req.Prompt),
					},
				},
			},
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyProviderError("openai", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, &Error{Code: "empty_response", Message: "openai: no choices returned", Transient: true}
	}

	return Response{
		Output:       map[string]any{"text": completion.Choices[0].Message.Content},
		Model:        model,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}
