package pricing

// defaultRates is the static table consulted when the store has no row for a
// model. Prices are USD per million tokens.
var defaultRates = map[string]map[string][2]float64{
	"openai": {
		"gpt-5":         {1.25, 10.00},
		"gpt-5-mini":    {0.25, 2.00},
		"gpt-5-nano":    {0.05, 0.40},
		"gpt-4.1":       {2.00, 8.00},
		"gpt-4.1-mini":  {0.40, 1.60},
		"gpt-4.1-nano":  {0.10, 0.40},
		"gpt-4o":        {2.50, 10.00},
		"gpt-4o-mini":   {0.15, 0.60},
		"gpt-4-turbo":   {10.00, 30.00},
		"gpt-4":         {30.00, 60.00},
		"gpt-3.5-turbo": {0.50, 1.50},
		"o1":            {15.00, 60.00},
		"o1-mini":       {1.10, 4.40},
		"o3":            {2.00, 8.00},
		"o3-mini":       {1.10, 4.40},
		"o4-mini":       {1.10, 4.40},
	},
}

// defaultRate resolves model against the static table: exact match first,
// then the longest known name that model extends with a "-suffix" (dated
// snapshots such as gpt-4o-2024-08-06).
func defaultRate(provider, model string) (Rate, bool) {
	models, ok := defaultRates[provider]
	if !ok {
		return Rate{}, false
	}
	if p, ok := models[model]; ok {
		return Rate{Provider: provider, Model: model, InputPerMTok: p[0], OutputPerMTok: p[1], Source: SourceDefault}, true
	}

	best := ""
	for name := range models {
		if len(name) > len(best) && len(model) > len(name) && model[:len(name)] == name && model[len(name)] == '-' {
			best = name
		}
	}
	if best == "" {
		return Rate{}, false
	}
	p := models[best]
	return Rate{Provider: provider, Model: best, InputPerMTok: p[0], OutputPerMTok: p[1], Source: SourceDefault}, true
}
