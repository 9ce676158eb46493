package inference

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderGrok     Provider = "grok"
	ProviderMoonshot Provider = "moonshot"
	ProviderKimi     Provider = "kimi"
	ProviderGemini   Provider = "gemini"
)

type preset struct {
	baseURL string
	model   string
}

// OpenAI-compatible endpoints.
var presets = map[Provider]preset{
	ProviderGrok:     {baseURL: "https://api.x.ai/v1", model: "grok-4-fast-reasoning"},
	ProviderMoonshot: {baseURL: "https://api.moonshot.ai/v1", model: "kimi-k2-5"},
	ProviderKimi:     {baseURL: "https://api.kimi.com/coding/v1", model: "kimi-for-coding"},
}

// OpenAIInferencer implements Inferencer using OpenAI's official Go SDK.
type OpenAIInferencer struct {
	client *openai.Client
	apiKey string
	model  string
	name   string
}

// NewOpenAIInferencer creates a new inferencer instance using OpenAI client.
func NewOpenAIInferencer(apiKey string, model string) *OpenAIInferencer {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIInferencer{
		client: &client,
		apiKey: apiKey,
		model:  model,
		name:   string(ProviderOpenAI),
	}
}

// NewCompatibleInferencer points the OpenAI client at a provider that speaks
// the same chat completions API.
func NewCompatibleInferencer(provider Provider, apiKey string, model string) (*OpenAIInferencer, error) {
	p, ok := presets[provider]
	if !ok {
		return nil, fmt.Errorf("unknown openai-compatible provider %q", provider)
	}
	client := openai.NewClient(
		option.WithBaseURL(p.baseURL),
		option.WithAPIKey(apiKey),
	)
	return &OpenAIInferencer{
		client: &client,
		apiKey: apiKey,
		model:  cmp.Or(model, p.model),
		name:   string(provider),
	}, nil
}

func (o *OpenAIInferencer) ChangeBaseURL(baseURL string) {
	client := openai.NewClient(
		option.WithAPIKey(o.apiKey),
		option.WithBaseURL(baseURL),
	)
	o.client = &client
}

func (o *OpenAIInferencer) SetModel(model string) {
	o.model = model
}

func (o *OpenAIInferencer) Model() string { return o.model }

// Infer sends text to the chat completion endpoint and returns the output.
func (o *OpenAIInferencer) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	var p openai.ChatCompletionNewParams
	if params != nil {
		p = *params
	}
	p.Model = cmp.Or(p.Model, o.model)
	p.Messages = []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Role: "system",
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.Opt[string]{Value: system},
				},
			}},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Role: "user",
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: param.Opt[string]{Value: user},
				},
			},
		},
	}

	p.MaxCompletionTokens = openai.Int(cmp.Or(p.MaxCompletionTokens.Value, 4096*4))
	if !p.Temperature.Valid() {
		p.Temperature = openai.Float(0.3)
	}
	p.TopP = openai.Float(cmp.Or(p.TopP.Value, 1.0))

	resp, err := o.client.Chat.Completions.New(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%w: %s inference error: %w", ErrOracleUnavailable, o.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrOracleMalformedResponse)
	}
	if resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion content", ErrOracleMalformedResponse)
	}

	return resp.Choices[0].Message.Content, nil
}

// Verify checks that the result is non-empty.
func (o *OpenAIInferencer) Verify(ctx context.Context, result string) (bool, error) {
	if result == "" {
		return false, errors.New("empty result")
	}
	return true, nil
}
