// Package cost holds per-provider pricing and daily spend reporting.
package cost

// ProviderRate prices one provider's calls and assigns its budget class.
type ProviderRate struct {
	PerCall float64 `yaml:"per_call" mapstructure:"per_call"`
	Class   string  `yaml:"class" mapstructure:"class"`
}

// Rates holds per-provider pricing configuration and the daily spend policy.
type Rates struct {
	Providers    map[string]ProviderRate `yaml:"providers" mapstructure:"providers"`
	DailyCapUSD  float64                 `yaml:"daily_cap_usd" mapstructure:"daily_cap_usd"`
	WarnFraction float64                 `yaml:"warn_fraction" mapstructure:"warn_fraction"`
}

// Calculator answers pricing questions for configured providers.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// PerCall returns the per-call price for a provider, 0 if unknown.
func (c *Calculator) PerCall(provider string) float64 {
	return c.rates.Providers[provider].PerCall
}

// Class returns the budget class a provider's spend counts against.
func (c *Calculator) Class(provider string) string {
	if r, ok := c.rates.Providers[provider]; ok && r.Class != "" {
		return r.Class
	}
	return "unknown"
}

// Calls converts a spend amount back to an approximate call count.
func (c *Calculator) Calls(provider string, spendUSD float64) int {
	rate := c.PerCall(provider)
	if rate <= 0 {
		return 0
	}
	return int(spendUSD/rate + 0.5)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Providers: map[string]ProviderRate{
			"crawler":       {PerCall: 0.002, Class: "scraping"},
			"search":        {PerCall: 0.005, Class: "scraping"},
			"deep-research": {PerCall: 0.45, Class: "deep_research"},
		},
		DailyCapUSD:  40.00,
		WarnFraction: 0.8,
	}
}
