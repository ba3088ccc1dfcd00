// Package costing turns raw pipeline usage (token counts, vector queries)
// into an integer cost in credit units. 1 credit = 1 cent. It is pure:
// no I/O, safe to call speculatively for pre-flight estimates.
package costing

import (
	"errors"
	"math"

	"github.com/AaronL1011/polly-ai/internal/config"
)

var ErrInvalidRateConfiguration = errors.New("invalid_rate_configuration")

// Usage is the raw cost input reported by the RAG/ingestion pipeline.
type Usage struct {
	EmbeddingTokens int64 `json:"embedding_tokens"`
	LLMInputTokens  int64 `json:"llm_input_tokens"`
	LLMOutputTokens int64 `json:"llm_output_tokens"`
	VectorQueries   int64 `json:"vector_queries"`
}

// RateTable holds provider rates in cents. Token rates are per 1K tokens,
// VectorQuery is per query.
type RateTable struct {
	EmbeddingPer1K float64
	LLMInputPer1K  float64
	LLMOutputPer1K float64
	VectorQuery    float64
}

func RatesFrom(cfg config.RateConfig) RateTable {
	return RateTable{
		EmbeddingPer1K: cfg.EmbeddingPer1K,
		LLMInputPer1K:  cfg.LLMInputPer1K,
		LLMOutputPer1K: cfg.LLMOutputPer1K,
		VectorQuery:    cfg.VectorQuery,
	}
}

// CostBreakdown is the itemized result. All cent amounts are integers;
// rounding happened already and downstream must not re-round.
type CostBreakdown struct {
	EmbeddingTokens    int64 `json:"embedding_tokens"`
	EmbeddingCostCents int64 `json:"embedding_cost_cents"`
	LLMInputTokens     int64 `json:"llm_input_tokens"`
	LLMOutputTokens    int64 `json:"llm_output_tokens"`
	LLMCostCents       int64 `json:"llm_cost_cents"`
	VectorQueries      int64 `json:"vector_queries"`
	VectorCostCents    int64 `json:"vector_cost_cents"`
	MarginCents        int64 `json:"margin_cents"`
	TotalCents         int64 `json:"total_cents"`
	TotalCredits       int64 `json:"total_credits"`
}

func Zero() CostBreakdown {
	return CostBreakdown{}
}

// Compute prices a unit of work. A cached result costs nothing: the
// breakdown is all-zero and no credits are charged downstream.
//
// Rounding is deterministic and user-visible money, so it is pinned here:
// every fractional cent amount rounds half-up, and any non-zero component
// is floored at 1 cent so tiny requests are never priced below the
// smallest billable unit.
func Compute(usage Usage, rates RateTable, margin float64, cached bool) (CostBreakdown, error) {
	if rates.EmbeddingPer1K < 0 || rates.LLMInputPer1K < 0 || rates.LLMOutputPer1K < 0 || rates.VectorQuery < 0 {
		return CostBreakdown{}, ErrInvalidRateConfiguration
	}
	if margin <= -1 {
		return CostBreakdown{}, ErrInvalidRateConfiguration
	}

	if cached {
		return Zero(), nil
	}

	embeddingCost := float64(usage.EmbeddingTokens) / 1000 * rates.EmbeddingPer1K
	llmCost := float64(usage.LLMInputTokens)/1000*rates.LLMInputPer1K +
		float64(usage.LLMOutputTokens)/1000*rates.LLMOutputPer1K
	vectorCost := float64(usage.VectorQueries) * rates.VectorQuery

	subtotal := embeddingCost + llmCost + vectorCost
	marginCost := subtotal * margin

	breakdown := CostBreakdown{
		EmbeddingTokens:    usage.EmbeddingTokens,
		EmbeddingCostCents: componentCents(embeddingCost, usage.EmbeddingTokens > 0),
		LLMInputTokens:     usage.LLMInputTokens,
		LLMOutputTokens:    usage.LLMOutputTokens,
		LLMCostCents:       componentCents(llmCost, usage.LLMInputTokens+usage.LLMOutputTokens > 0),
		VectorQueries:      usage.VectorQueries,
		VectorCostCents:    componentCents(vectorCost, usage.VectorQueries > 0),
		MarginCents:        componentCents(marginCost, margin > 0 && subtotal > 0),
	}
	// The total is the sum of the itemized lines so the breakdown always
	// adds up exactly to what was charged.
	breakdown.TotalCents = breakdown.EmbeddingCostCents + breakdown.LLMCostCents +
		breakdown.VectorCostCents + breakdown.MarginCents
	breakdown.TotalCredits = breakdown.TotalCents

	return breakdown, nil
}

// componentCents rounds a fractional component, flooring at 1 cent when
// the component was actually exercised.
func componentCents(cents float64, used bool) int64 {
	if !used {
		return 0
	}
	rounded := roundHalfUp(cents)
	if rounded < 1 {
		return 1
	}
	return rounded
}

func roundHalfUp(cents float64) int64 {
	if cents <= 0 {
		return 0
	}
	return int64(math.Floor(cents + 0.5))
}
