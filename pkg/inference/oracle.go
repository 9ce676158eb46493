package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"

	"loom/pkg/utils"
)

const DefaultCallTimeout = 5 * time.Minute

// Call is one prompt for the oracle. Model and Temperature are resolved by the
// caller per stage; an empty model or an unset temperature falls through to
// the inferencer defaults.
type Call struct {
	Label          string
	System         string
	Prompt         string
	Model          string
	Temperature    param.Opt[float64]
	MaxTokens      int64
	ResponseFormat *openai.ChatCompletionNewParamsResponseFormatUnion
}

// Oracle is the single entry point to the generative-text service. It owns the
// per-call timeout and normalizes failures to ErrOracleUnavailable or
// ErrOracleMalformedResponse.
type Oracle struct {
	inf     Inferencer
	timeout time.Duration
	log     *log.Logger
}

type OracleOption func(*Oracle)

func WithTimeout(d time.Duration) OracleOption {
	return func(o *Oracle) { o.timeout = d }
}

func WithLogger(l *log.Logger) OracleOption {
	return func(o *Oracle) { o.log = l }
}

func NewOracle(inf Inferencer, opts ...OracleOption) *Oracle {
	o := &Oracle{
		inf:     inf,
		timeout: DefaultCallTimeout,
		log:     log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Oracle) Invoke(ctx context.Context, c Call) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	params := &openai.ChatCompletionNewParams{
		Model:       c.Model,
		Temperature: c.Temperature,
	}
	if c.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.MaxTokens)
	}
	if c.ResponseFormat != nil {
		params.ResponseFormat = *c.ResponseFormat
	}

	start := time.Now()
	out, err := o.inf.Infer(ctx, params, c.System, c.Prompt)
	if err != nil {
		o.log.Warn("oracle call failed", "call", c.Label, "model", c.Model, "elapsed", time.Since(start), "error", err)
		return "", classify(err)
	}

	if !utf8.ValidString(out) {
		return "", fmt.Errorf("%w: %s output is not valid utf-8", ErrOracleMalformedResponse, c.Label)
	}
	out = strings.TrimSpace(utils.StripThinking(out))
	if ok, err := o.inf.Verify(ctx, out); !ok {
		return "", fmt.Errorf("%w: %s: %v", ErrOracleMalformedResponse, c.Label, err)
	}

	o.log.Debug("oracle call", "call", c.Label, "model", c.Model, "elapsed", time.Since(start), "chars", len(out))
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrOracleMalformedResponse), errors.Is(err, ErrOracleUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
}
