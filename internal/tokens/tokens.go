// Package tokens provides approximate token counting for budget
// decisions. Counts are estimates, not tokenizer ground truth: callers
// must tolerate error and never treat a count as exact.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/weaviate/tiktoken-go"
)

// Counter counts tokens in text. Implementations must be pure and
// side-effect-free.
type Counter func(text string) int

var (
	encoding     *tiktoken.Tiktoken
	encodingOnce sync.Once
)

// Count counts tokens using the cl100k_base BPE encoding. If the
// encoding cannot be initialized, it falls back to Estimate. The
// encoder is initialized once and reused.
func Count(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken unavailable, falling back to character estimate", "error", err)
			return
		}
		encoding = enc
	})

	if encoding == nil {
		return Estimate(text)
	}
	return len(encoding.Encode(text, nil, nil))
}

// Estimate is a rough character-based proxy: four characters per token.
// It can be off by up to ~4x on unusual input.
func Estimate(text string) int {
	return len(text) / 4
}
