package aob

import (
	"sync"
)

// ModelPricing is USD per one million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing covers the models the bundled invokers default to.
// Prices as of 2025-01-01; update as providers adjust.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
}

// CostMeter totals token usage and spend for one node invocation or one
// whole run.
type CostMeter struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// Add accumulates another meter.
func (c *CostMeter) Add(other CostMeter) {
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.USD += other.USD
}

// CostTable prices token usage by model. Unknown models meter tokens with
// zero spend rather than guessing.
type CostTable struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCostTable creates a table preloaded with the default pricing.
func NewCostTable() *CostTable {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for model, p := range defaultModelPricing {
		pricing[model] = p
	}
	return &CostTable{pricing: pricing}
}

// SetPricing adds or overrides one model's pricing.
func (t *CostTable) SetPricing(model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = p
}

// Meter prices one invocation's usage.
func (t *CostTable) Meter(model string, inputTokens, outputTokens int64) CostMeter {
	t.mu.RLock()
	p, ok := t.pricing[model]
	t.mu.RUnlock()

	m := CostMeter{InputTokens: inputTokens, OutputTokens: outputTokens}
	if ok {
		m.USD = float64(inputTokens)/1e6*p.InputPer1M + float64(outputTokens)/1e6*p.OutputPer1M
	}
	return m
}
