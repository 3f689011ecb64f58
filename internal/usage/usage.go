// Package usage provides token cost estimation, a pricing table, and a
// process-wide usage tracker fed from the event bus.
package usage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synapsehq/synapse/pkg/models"
)

// Cost is the pricing for a model, in dollars per million tokens.
type Cost struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
}

// Estimate calculates the cost of a usage tally under this pricing.
func (c Cost) Estimate(u models.SessionUsage) float64 {
	total := float64(u.InputOther)*c.Input +
		float64(u.Output)*c.Output +
		float64(u.CacheRead)*c.CacheRead +
		float64(u.CacheCreation)*c.CacheWrite
	return total / 1_000_000
}

// defaultPricing covers the commonly configured models. Unknown models
// report unknown cost rather than a wrong one.
var defaultPricing = map[string]Cost{
	"claude-sonnet-4-5": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-haiku-4-5":  {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
	"claude-opus-4-1":   {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"gpt-4o":            {Input: 2.5, Output: 10, CacheRead: 1.25},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.6, CacheRead: 0.075},
	"gpt-4.1":           {Input: 2, Output: 8, CacheRead: 0.5},
}

// Pricing maps models to costs. The zero value uses the built-in table.
type Pricing struct {
	mu    sync.RWMutex
	table map[string]Cost
}

// NewPricing returns a table seeded with the built-in prices.
func NewPricing() *Pricing {
	table := make(map[string]Cost, len(defaultPricing))
	for model, cost := range defaultPricing {
		table[model] = cost
	}
	return &Pricing{table: table}
}

// LoadPricing reads a YAML file mapping model names to costs and merges
// it over the built-in table.
func LoadPricing(path string) (*Pricing, error) {
	p := NewPricing()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("usage: read pricing: %w", err)
	}
	var overrides map[string]Cost
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("usage: parse pricing: %w", err)
	}
	p.mu.Lock()
	for model, cost := range overrides {
		p.table[model] = cost
	}
	p.mu.Unlock()
	return p, nil
}

// Set overrides the cost for one model.
func (p *Pricing) Set(model string, cost Cost) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[model] = cost
}

// CalculateCost returns the cost of a tally, nil when the model is not
// in the table. Satisfies sessions.PricingFunc.
func (p *Pricing) CalculateCost(u models.SessionUsage, model string) *float64 {
	p.mu.RLock()
	cost, ok := p.table[model]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	v := cost.Estimate(u)
	return &v
}

// Record is one observed LLM round.
type Record struct {
	Model     string            `json:"model"`
	SessionID string            `json:"session_id,omitempty"`
	Usage     models.TokenUsage `json:"usage"`
	Timestamp time.Time         `json:"timestamp"`
}

// Tracker accumulates usage across runs, keyed by model.
type Tracker struct {
	mu      sync.RWMutex
	records []Record
	totals  map[string]*models.TokenUsage
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{totals: make(map[string]*models.TokenUsage)}
}

// Record adds one round to the tally.
func (t *Tracker) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
	total, ok := t.totals[r.Model]
	if !ok {
		total = &models.TokenUsage{}
		t.totals[r.Model] = total
	}
	total.Add(r.Usage)
}

// Total returns the accumulated usage for a model.
func (t *Tracker) Total(model string) models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if total, ok := t.totals[model]; ok {
		return *total
	}
	return models.TokenUsage{}
}

// GrandTotal sums usage across every model.
func (t *Tracker) GrandTotal() models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sum models.TokenUsage
	for _, total := range t.totals {
		sum.Add(*total)
	}
	return sum
}

// Len returns the number of recorded rounds.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// FormatTokens renders a count as a short human string.
func FormatTokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
