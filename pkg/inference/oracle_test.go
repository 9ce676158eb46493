package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInferencer struct {
	out    string
	err    error
	delay  time.Duration
	params *openai.ChatCompletionNewParams
	system string
	user   string
}

func (f *fakeInferencer) Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error) {
	f.params, f.system, f.user = params, system, user
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.out, f.err
}

func (f *fakeInferencer) Verify(ctx context.Context, result string) (bool, error) {
	if result == "" {
		return false, errors.New("empty result")
	}
	return true, nil
}

func TestOracleInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("Passes model and temperature through", func(t *testing.T) {
		inf := &fakeInferencer{out: "  hello  "}
		o := NewOracle(inf)

		out, err := o.Invoke(ctx, Call{System: "sys", Prompt: "user", Model: "m1", Temperature: openai.Float(0.7)})
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
		assert.Equal(t, "sys", inf.system)
		assert.Equal(t, "user", inf.user)
		assert.EqualValues(t, "m1", inf.params.Model)
		assert.Equal(t, 0.7, inf.params.Temperature.Value)
	})

	t.Run("Zero temperature is sent as set", func(t *testing.T) {
		inf := &fakeInferencer{out: "ok"}
		_, err := NewOracle(inf).Invoke(ctx, Call{Prompt: "p", Temperature: openai.Float(0)})
		require.NoError(t, err)
		assert.True(t, inf.params.Temperature.Valid())
		assert.Equal(t, 0.0, inf.params.Temperature.Value)

		_, err = NewOracle(inf).Invoke(ctx, Call{Prompt: "p"})
		require.NoError(t, err)
		assert.False(t, inf.params.Temperature.Valid())
	})

	t.Run("Strips reasoning preamble", func(t *testing.T) {
		o := NewOracle(&fakeInferencer{out: "<think>plan</think>\nanswer"})
		out, err := o.Invoke(ctx, Call{Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, "answer", out)
	})

	t.Run("Transport errors become unavailable", func(t *testing.T) {
		o := NewOracle(&fakeInferencer{err: errors.New("connection reset")})
		_, err := o.Invoke(ctx, Call{Prompt: "p"})
		assert.ErrorIs(t, err, ErrOracleUnavailable)
	})

	t.Run("Timeouts become unavailable", func(t *testing.T) {
		o := NewOracle(&fakeInferencer{out: "late", delay: time.Second}, WithTimeout(10*time.Millisecond))
		_, err := o.Invoke(ctx, Call{Prompt: "p"})
		assert.ErrorIs(t, err, ErrOracleUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Blank output is malformed", func(t *testing.T) {
		o := NewOracle(&fakeInferencer{out: "<think>only thoughts</think>   "})
		_, err := o.Invoke(ctx, Call{Prompt: "p"})
		assert.ErrorIs(t, err, ErrOracleMalformedResponse)
	})

	t.Run("Invalid utf-8 is malformed", func(t *testing.T) {
		o := NewOracle(&fakeInferencer{out: "bad \xff bytes"})
		_, err := o.Invoke(ctx, Call{Prompt: "p"})
		assert.ErrorIs(t, err, ErrOracleMalformedResponse)
	})

	t.Run("Malformed errors from the backend are kept", func(t *testing.T) {
		o := NewOracle(&fakeInferencer{err: ErrOracleMalformedResponse})
		_, err := o.Invoke(ctx, Call{Prompt: "p"})
		assert.ErrorIs(t, err, ErrOracleMalformedResponse)
		assert.NotErrorIs(t, err, ErrOracleUnavailable)
	})
}

func TestNewCompatibleInferencer(t *testing.T) {
	inf, err := NewCompatibleInferencer(ProviderGrok, "key", "")
	require.NoError(t, err)
	assert.Equal(t, "grok-4-fast-reasoning", inf.model)

	inf, err = NewCompatibleInferencer(ProviderMoonshot, "key", "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", inf.model)

	_, err = NewCompatibleInferencer("nope", "key", "")
	assert.Error(t, err)
}
