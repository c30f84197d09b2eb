// Package prompt assembles layered LLM prompts under a token budget and
// compacts conversation history when the budget comes under pressure.
package prompt

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for budget decisions. It uses the
// cl100k_base encoding when available and falls back to a chars/4
// approximation, which overestimates slightly and is therefore safe for
// budget enforcement.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter. Encoder initialization is deferred to
// the first Count call.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count estimates the token count of text.
func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
