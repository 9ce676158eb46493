package inference

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"
)

type GeminiInferencer struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiInferencer creates a new inferencer instance using the genai client.
func NewGeminiInferencer(ctx context.Context, apiKey string, model string) (*GeminiInferencer, error) {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &GeminiInferencer{
		client: client,
		apiKey: apiKey,
		model:  model,
	}, nil
}

func (o *GeminiInferencer) Model() string { return o.model }

// Infer maps the chat completion params onto a GenerateContent call.
func (o *GeminiInferencer) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	if params == nil {
		params = new(openai.ChatCompletionNewParams)
	}
	temperature := 0.3
	if params.Temperature.Valid() {
		temperature = params.Temperature.Value
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   int32(cmp.Or(params.MaxCompletionTokens.Value, 4096*4)),
		Temperature:       genai.Ptr(float32(temperature)),
	}
	applyResponseFormat(config, params.ResponseFormat)

	result, err := o.client.Models.GenerateContent(
		ctx,
		cmp.Or(params.Model, o.model),
		genai.Text(user),
		config,
	)
	if err != nil {
		return "", fmt.Errorf("%w: gemini generate content: %w", ErrOracleUnavailable, err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty gemini response", ErrOracleMalformedResponse)
	}
	return text, nil
}

// applyResponseFormat carries an OpenAI response format over to Gemini. A JSON
// schema is sent as the response schema so the answer is validated
// server-side; plain JSON mode only switches the MIME type.
func applyResponseFormat(config *genai.GenerateContentConfig, format openai.ChatCompletionNewParamsResponseFormatUnion) {
	switch {
	case format.OfJSONSchema != nil:
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = format.OfJSONSchema.JSONSchema.Schema
	case format.OfJSONObject != nil:
		config.ResponseMIMEType = "application/json"
	}
}

// Verify checks that the result is non-empty.
func (o *GeminiInferencer) Verify(ctx context.Context, result string) (bool, error) {
	if result == "" {
		return false, errors.New("empty result")
	}
	return true, nil
}
