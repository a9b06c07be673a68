// Package pricing maps model names to USD prices per 1k tokens and settles
// request cost. Unknown models cost zero; that is policy, not an error.
package pricing

import "math"

// ModelPrice is the USD price per 1000 tokens.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Table maps model names to prices. The zero value is usable and prices
// every model at zero.
type Table struct {
	prices map[string]ModelPrice
}

// DefaultTable covers the models the gateway fronts by default.
func DefaultTable() *Table {
	return &Table{prices: map[string]ModelPrice{
		"gpt-4o":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	}}
}

func NewTable(prices map[string]ModelPrice) *Table {
	return &Table{prices: prices}
}

func (t *Table) Lookup(model string) (ModelPrice, bool) {
	if t == nil || t.prices == nil {
		return ModelPrice{}, false
	}
	p, ok := t.prices[model]
	return p, ok
}

// EstimateCostUSD settles the cost of a completed request, rounded to
// 8 fractional digits. Unknown model or missing token counts cost zero.
func (t *Table) EstimateCostUSD(model string, promptTokens, completionTokens *int) float64 {
	price, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	if promptTokens == nil || completionTokens == nil {
		return 0
	}

	cost := (float64(*promptTokens)/1000.0)*price.InputPer1K +
		(float64(*completionTokens)/1000.0)*price.OutputPer1K

	return round8(cost)
}

// MaxOutputCostUSD is the optimistic pre-dispatch upper bound: the full
// output budget priced at the output rate.
func (t *Table) MaxOutputCostUSD(model string, maxTokens int) float64 {
	price, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return round8((float64(maxTokens) / 1000.0) * price.OutputPer1K)
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
