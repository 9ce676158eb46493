package utils

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func NumTokensFromMessages(text string) (int, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.EncodingForModel("gpt-4-0613")
	})
	if encErr != nil {
		return 0, encErr
	}

	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateTokens counts tokens with tiktoken, falling back to a four-runes
// per token estimate when the encoding is unavailable.
func EstimateTokens(text string) int {
	if n, err := NumTokensFromMessages(text); err == nil {
		return n
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}
