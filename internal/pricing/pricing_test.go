package pricing

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/laisky/llmgateway/internal/usage"
)

func TestCost_Scenario1_OpenAINonStream(t *testing.T) {
	rates := Rates{
		InputRate:  decimal.NewFromFloat(1.25e-6),
		OutputRate: decimal.NewFromFloat(1e-5),
		Multiplier: decimal.NewFromInt(1),
	}
	facts := usage.Facts{PromptTokens: 8, CompletionTokens: 12}

	got := Cost(facts, rates)
	want := decimal.NewFromFloat(0.00013)
	require.True(t, want.Sub(got).Abs().LessThan(decimal.NewFromFloat(1e-12)),
		"got %s want %s", got, want)
}

func TestCost_Scenario2_AnthropicCache(t *testing.T) {
	rates := Rates{
		InputRate:      decimal.NewFromFloat(3e-6),
		OutputRate:     decimal.NewFromFloat(1.5e-5),
		CacheWriteRate: decimal.NewFromFloat(3.75e-6),
		CacheReadRate:  decimal.NewFromFloat(3e-7),
		Multiplier:     decimal.NewFromInt(1),
	}
	facts := usage.Facts{
		PromptTokens:        100,
		CompletionTokens:    50,
		CacheCreationTokens: 2000,
		CacheReadTokens:     500,
	}

	got := Cost(facts, rates)
	// 100·3e-6 + 50·1.5e-5 + 2000·3.75e-6 + 500·3e-7
	// = 0.0003 + 0.00075 + 0.0075 + 0.00015 = 0.0087
	want := decimal.NewFromFloat(0.0087)
	require.True(t, want.Sub(got).Abs().LessThan(decimal.NewFromFloat(1e-9)),
		"got %s want %s", got, want)
}

func TestCost_ZeroRatesYieldZeroCost(t *testing.T) {
	rates := Rates{Multiplier: decimal.NewFromInt(1)}
	facts := usage.Facts{PromptTokens: 1000, CompletionTokens: 1000, CacheCreationTokens: 1000, CacheReadTokens: 1000}
	require.True(t, Cost(facts, rates).IsZero())
}

// TestProperty_CostLaw checks spec.md §8's "Cost law": the formula holds
// for generated usage facts and rates, and doubling any rate doubles the
// corresponding contribution.
func TestProperty_CostLaw(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	tokenGen := gen.Int64Range(0, 1_000_000)
	rateGen := gen.Float64Range(0, 1).Map(func(f float64) decimal.Decimal {
		return decimal.NewFromFloat(f)
	})

	properties.Property("cost equals the weighted sum of token counts and rates", prop.ForAll(
		func(p, c, cc, cr int64, ir, or, cwr, crr decimal.Decimal) bool {
			facts := usage.Facts{PromptTokens: p, CompletionTokens: c, CacheCreationTokens: cc, CacheReadTokens: cr}
			rates := Rates{InputRate: ir, OutputRate: or, CacheWriteRate: cwr, CacheReadRate: crr, Multiplier: decimal.NewFromInt(1)}

			want := decimal.NewFromInt(p).Mul(ir).
				Add(decimal.NewFromInt(c).Mul(or)).
				Add(decimal.NewFromInt(cc).Mul(cwr)).
				Add(decimal.NewFromInt(cr).Mul(crr))

			got := Cost(facts, rates)
			return got.Equal(want)
		},
		tokenGen, tokenGen, tokenGen, tokenGen, rateGen, rateGen, rateGen, rateGen,
	))

	properties.Property("doubling the input rate doubles the input contribution", prop.ForAll(
		func(p int64, ir decimal.Decimal) bool {
			facts := usage.Facts{PromptTokens: p}
			base := Cost(facts, Rates{InputRate: ir, Multiplier: decimal.NewFromInt(1)})
			doubled := Cost(facts, Rates{InputRate: ir.Mul(decimal.NewFromInt(2)), Multiplier: decimal.NewFromInt(1)})
			return doubled.Equal(base.Mul(decimal.NewFromInt(2)))
		},
		tokenGen, rateGen,
	))

	properties.TestingRun(t)
}
