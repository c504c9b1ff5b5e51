package waterfall

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/research-orchestrator/internal/provider"
)

// ChainConfig is the top-level provider chain configuration. Provider count
// and ordering are configuration, not code; the list order is the escalation
// order (cheapest first).
type ChainConfig struct {
	// QualityMinFields enables the MinFields quality gate when > 0.
	QualityMinFields int              `yaml:"quality_min_fields"`
	Providers        []ProviderConfig `yaml:"providers"`
}

// ProviderConfig declares one provider in the chain.
type ProviderConfig struct {
	Name        string  `yaml:"name"`
	Kind        string  `yaml:"kind"` // "http" or "stub"
	Class       string  `yaml:"class"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	CostPerCall float64 `yaml:"cost_per_call"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	Burst       int     `yaml:"burst"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// LoadConfig reads the chain config from a YAML file. ${VAR} references are
// expanded from the environment so API keys stay out of the file.
func LoadConfig(path string) (*ChainConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}
	data := []byte(os.ExpandEnv(string(raw)))

	// The YAML has a top-level "chain" key.
	var wrapper struct {
		Chain ChainConfig `yaml:"chain"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := &wrapper.Chain
	if len(cfg.Providers) == 0 {
		return nil, eris.New("waterfall: config declares no providers")
	}
	for i, pc := range cfg.Providers {
		if pc.Name == "" {
			return nil, eris.Errorf("waterfall: provider %d has no name", i)
		}
		if pc.Class == "" {
			return nil, eris.Errorf("waterfall: provider %s has no budget class", pc.Name)
		}
	}
	return cfg, nil
}

// BuildProviders instantiates the configured providers in chain order and
// registers them.
func (c *ChainConfig) BuildProviders(registry *provider.Registry) ([]provider.Provider, error) {
	providers := make([]provider.Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		var p provider.Provider
		switch pc.Kind {
		case "", "http":
			if pc.BaseURL == "" {
				return nil, eris.Errorf("waterfall: http provider %s has no base_url", pc.Name)
			}
			p = provider.NewHTTP(provider.HTTPOptions{
				Name:        pc.Name,
				Class:       pc.Class,
				BaseURL:     pc.BaseURL,
				APIKey:      pc.APIKey,
				CostPerCall: pc.CostPerCall,
				Timeout:     time.Duration(pc.TimeoutSecs) * time.Second,
				RatePerSec:  pc.RatePerSec,
				Burst:       pc.Burst,
			})
		case "stub":
			p = provider.NewStub(pc.Name, pc.Class, pc.CostPerCall)
		default:
			return nil, eris.Errorf("waterfall: unknown provider kind %q", pc.Kind)
		}
		registry.Register(p)
		providers = append(providers, p)
	}
	return providers, nil
}

// Gate returns the configured quality gate, or nil when disabled.
func (c *ChainConfig) Gate() QualityGate {
	if c.QualityMinFields > 0 {
		return MinFields(c.QualityMinFields)
	}
	return nil
}
