// Package tokens counts and truncates text in model tokens. It uses the
// cl100k_base encoding and falls back to a character heuristic when the
// encoding cannot be loaded.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	once.Do(func() {
		if e, err := tiktoken.GetEncoding(encodingName); err == nil {
			enc = e
		}
	})
	return enc
}

// Count returns the number of tokens in text.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, words), at least 1 for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); n < words {
		n = words
	}
	return max(n, 1)
}

// Truncate cuts text to at most maxTokens tokens, appending a marker when it
// cuts. A non-positive limit returns text unchanged.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	const marker = "\n[truncated]"
	if e := encoding(); e != nil {
		toks := e.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return e.Decode(toks[:maxTokens]) + marker
	}
	runes := []rune(text)
	if limit := maxTokens * 4; limit < len(runes) {
		return string(runes[:limit]) + marker
	}
	return text
}
