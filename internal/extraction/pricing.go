package extraction

import "strings"

// tokenPrice is USD per million tokens.
type tokenPrice struct {
	input  float64
	output float64
}

// Ordered so that longer model prefixes match first.
var tokenPrices = []struct {
	prefix string
	price  tokenPrice
}{
	{"gpt-4o-mini", tokenPrice{input: 0.15, output: 0.60}},
	{"gpt-4o", tokenPrice{input: 2.50, output: 10.00}},
	{"gpt-4.1-mini", tokenPrice{input: 0.40, output: 1.60}},
	{"gpt-4.1", tokenPrice{input: 2.00, output: 8.00}},
}

// unknownPrice is charged for models missing from the table.
var unknownPrice = tokenPrice{input: 10.00, output: 30.00}

func priceFor(model string) tokenPrice {
	model = strings.ToLower(model)
	for _, p := range tokenPrices {
		if strings.HasPrefix(model, p.prefix) {
			return p.price
		}
	}
	return unknownPrice
}

// TokenCost returns the USD cost of one call.
func TokenCost(model string, promptTokens, completionTokens int) float64 {
	p := priceFor(model)
	return (float64(promptTokens)*p.input + float64(completionTokens)*p.output) / 1_000_000
}

// DefaultCostPerMessage is the per-message estimate used before any usage
// history exists.
func DefaultCostPerMessage(model string) float64 {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o-mini"):
		return 0.0003
	case strings.HasPrefix(model, "gpt-4o"):
		return 0.003
	default:
		return 0.01
	}
}
