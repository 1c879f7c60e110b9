// Package tokens accumulates model token usage for a single audit run.
package tokens

import (
	"math"
	"sync"

	"siteaudit/internal/domain"
)

// Reference pricing in USD per million tokens.
const (
	InputPricePerMillion  = 3.0
	OutputPricePerMillion = 15.0
)

// Tracker is safe for concurrent use by the analyzers of one run.
type Tracker struct {
	mu     sync.Mutex
	input  int64
	output int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker { return &Tracker{} }

// Add accumulates one model call's usage.
func (t *Tracker) Add(input, output int64) {
	t.mu.Lock()
	t.input += input
	t.output += output
	t.mu.Unlock()
}

// Usage returns a snapshot with the estimated cost rounded to 4 decimals.
func (t *Tracker) Usage() domain.TokenUsage {
	t.mu.Lock()
	in, out := t.input, t.output
	t.mu.Unlock()

	cost := float64(in)*InputPricePerMillion/1e6 + float64(out)*OutputPricePerMillion/1e6
	return domain.TokenUsage{
		InputTokens:   in,
		OutputTokens:  out,
		TotalTokens:   in + out,
		EstimatedCost: math.Round(cost*1e4) / 1e4,
	}
}
