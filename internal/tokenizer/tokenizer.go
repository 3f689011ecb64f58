// Package tokenizer estimates token counts for history sizing. It uses
// tiktoken encodings where available and falls back to a character-based
// estimate for unknown models.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/synapsehq/synapse/pkg/models"
)

// charsPerToken is the fallback ratio when no encoding is available.
const charsPerToken = 4

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// Counter estimates tokens per model. Counting is deterministic for a
// given model and message set. Safe for concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter creates a counter with an empty encoding cache.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// CountMessages estimates the token count of the history for the model.
func (c *Counter) CountMessages(model string, msgs []models.Message) int {
	enc := c.encodingFor(model)
	total := 0
	for i := range msgs {
		total += perMessageOverhead
		for _, block := range msgs[i].Content {
			total += c.countText(enc, block.AsText())
			if block.Type == models.BlockToolUse && block.ToolUse != nil {
				total += c.countText(enc, block.ToolUse.Name)
				total += c.countText(enc, string(block.ToolUse.Input))
			}
		}
	}
	return total
}

// CountText estimates the token count of a single string.
func (c *Counter) CountText(model, text string) int {
	return c.countText(c.encodingFor(model), text)
}

func (c *Counter) countText(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// encodingFor resolves and caches the encoding for a model. Unknown
// models cache a nil entry so the lookup happens once.
func (c *Counter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Anthropic and other non-OpenAI models have no published
		// encoding; cl100k_base is close enough for budget decisions.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encodings[model] = enc
	return enc
}
