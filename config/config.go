// Package config loads the marketd runtime settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the marketplace daemon.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	DatabaseURL   string         `yaml:"database_url"`
	Mirror        MirrorConfig   `yaml:"mirror"`
	Submitter     ServiceConfig  `yaml:"submitter"`
	Bus           ServiceConfig  `yaml:"bus"`
	Pricing       PricingConfig  `yaml:"pricing"`
	Attributes    ServiceConfig  `yaml:"attributes"`
	Jobs          JobsConfig     `yaml:"jobs"`
	Timeouts      TimeoutsConfig `yaml:"timeouts"`
}

// MirrorConfig points at the ledger mirror node.
type MirrorConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// ServiceConfig describes one downstream HTTP dependency.
type ServiceConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
}

// PricingConfig selects the price estimation source. With an empty URL the
// random fallback serves estimates alone.
type PricingConfig struct {
	URL  string `yaml:"url"`
	Seed int64  `yaml:"seed"`
}

// JobsConfig controls the background job cadence.
type JobsConfig struct {
	Interval          Duration `yaml:"interval"`
	FinalityWindow    Duration `yaml:"finality_window"`
	AttributeInterval Duration `yaml:"attribute_interval"`
	AttributeBatch    int      `yaml:"attribute_batch"`
}

// TimeoutsConfig holds the four sweeper timeouts.
type TimeoutsConfig struct {
	ListingCreated   Duration `yaml:"listing_created"`
	ListingApproved  Duration `yaml:"listing_approved"`
	PurchaseCreated  Duration `yaml:"purchase_created"`
	PurchaseApproved Duration `yaml:"purchase_approved"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8080",
		Jobs: JobsConfig{
			Interval:          Duration{5 * time.Second},
			FinalityWindow:    Duration{5 * time.Second},
			AttributeInterval: Duration{time.Minute},
			AttributeBatch:    25,
		},
		Timeouts: TimeoutsConfig{
			ListingCreated:   Duration{30 * time.Second},
			ListingApproved:  Duration{30 * time.Second},
			PurchaseCreated:  Duration{30 * time.Second},
			PurchaseApproved: Duration{30 * time.Second},
		},
	}
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.Mirror.URL = strings.TrimSpace(cfg.Mirror.URL)
	cfg.Submitter.URL = strings.TrimSpace(cfg.Submitter.URL)
	cfg.Bus.URL = strings.TrimSpace(cfg.Bus.URL)
	cfg.Pricing.URL = strings.TrimSpace(cfg.Pricing.URL)
	cfg.Attributes.URL = strings.TrimSpace(cfg.Attributes.URL)
	if key := os.Getenv("MARKET_MIRROR_API_KEY"); key != "" {
		cfg.Mirror.APIKey = key
	}
	if secret := os.Getenv("MARKET_BUS_SECRET"); secret != "" {
		cfg.Bus.Secret = secret
	}
	if token := os.Getenv("MARKET_SUBMITTER_TOKEN"); token != "" {
		cfg.Submitter.Token = token
	}
}

func (cfg *Config) validate() error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if cfg.Mirror.URL == "" {
		return fmt.Errorf("mirror.url is required")
	}
	if cfg.Submitter.URL == "" {
		return fmt.Errorf("submitter.url is required")
	}
	if cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if cfg.Jobs.Interval.Duration <= 0 {
		return fmt.Errorf("jobs.interval must be positive")
	}
	if cfg.Jobs.FinalityWindow.Duration <= 0 {
		return fmt.Errorf("jobs.finality_window must be positive")
	}
	if cfg.Jobs.AttributeInterval.Duration <= 0 {
		return fmt.Errorf("jobs.attribute_interval must be positive")
	}
	for name, timeout := range map[string]Duration{
		"timeouts.listing_created":   cfg.Timeouts.ListingCreated,
		"timeouts.listing_approved":  cfg.Timeouts.ListingApproved,
		"timeouts.purchase_created":  cfg.Timeouts.PurchaseCreated,
		"timeouts.purchase_approved": cfg.Timeouts.PurchaseApproved,
	} {
		if timeout.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
