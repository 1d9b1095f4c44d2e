package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Variables from a .env file in the
// working directory are visible to the ${VAR} substitution.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Chain.Type == "" {
		cfg.Chain.Type = SourceEVM
	}
	if cfg.Chain.Name == "" {
		cfg.Chain.Name = "ethereum"
	}
	if cfg.Chain.ScanInterval == 0 {
		cfg.Chain.ScanInterval = 2 * time.Second
	}
	if cfg.Chain.FinalityHorizon == nil {
		horizon := DefaultFinalityHorizon
		cfg.Chain.FinalityHorizon = &horizon
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = 5 * time.Second
	}
	if cfg.Reorg.MaxDepth == 0 {
		cfg.Reorg.MaxDepth = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Deployments {
		if cfg.Deployments[i].Sink == "" {
			cfg.Deployments[i].Sink = SinkLog
		}
	}
}

var validate = validator.New()

// Validate checks field constraints and the rules spanning sections.
func Validate(cfg *AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Store.Backend {
	case BackendPostgres:
		if cfg.Database.URL == "" {
			return fmt.Errorf("invalid config: store backend %q requires database.url", cfg.Store.Backend)
		}
	case BackendRedis:
		if cfg.Redis.URL == "" {
			return fmt.Errorf("invalid config: store backend %q requires redis.url", cfg.Store.Backend)
		}
	}

	seen := make(map[string]bool, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		if seen[d.ID] {
			return fmt.Errorf("invalid config: duplicate deployment %q", d.ID)
		}
		seen[d.ID] = true
		if d.Sink == SinkRedis && cfg.Redis.URL == "" {
			return fmt.Errorf("invalid config: deployment %q uses the redis sink without redis.url", d.ID)
		}
		if _, err := d.Filter.Build(); err != nil {
			return fmt.Errorf("invalid config: deployment %q: %w", d.ID, err)
		}
	}
	return nil
}

// Deployment returns the configured deployment with the given id.
func (c *AppConfig) Deployment(id string) (DeploymentConfig, bool) {
	for _, d := range c.Deployments {
		if d.ID == id {
			return d, true
		}
	}
	return DeploymentConfig{}, false
}
