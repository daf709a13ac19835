package usecase

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many prompt tokens a string costs.
type TokenCounter interface {
	Count(s string) int
}

// messageOverhead is the rough per-message cost of role and framing tokens.
const messageOverhead = 4

// NewTokenCounter returns a tiktoken counter for model, falling back to
// cl100k_base and then to EstimateCounter when no encoding can be loaded.
func NewTokenCounter(model string, logger *slog.Logger) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		logger.Warn("tokenizer unavailable, estimating tokens from rune count", "error", err)
		return EstimateCounter{}
	}
	return tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}

// EstimateCounter approximates one token per four runes.
type EstimateCounter struct{}

// Count implements TokenCounter.
func (EstimateCounter) Count(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
