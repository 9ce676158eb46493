package inference

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
)

var (
	// ErrOracleUnavailable marks transport, timeout and API failures. Callers may retry.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrOracleMalformedResponse marks a completed call whose output is unusable as text.
	ErrOracleMalformedResponse = errors.New("oracle returned a malformed response")
)

// Inferencer defines an interface for running model inference and verification.
type Inferencer interface {
	Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error)
	Verify(ctx context.Context, result string) (bool, error)
}
