package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a config with stock defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Listen.HTTPAddr = ":8080"
	cfg.Logging.Level = "info"
	cfg.Global.Env = "prod"
	cfg.Cluster.PublishInterval = 0
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables expand to the empty string.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return ""
	})
}

var validAlgs = map[string]bool{
	"": true, "HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

func (l *Loader) validate(cfg *Config) error {
	seenIDs := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.ID == "" {
			return fmt.Errorf("service %d: id is required", i)
		}
		if seenIDs[svc.ID] {
			return fmt.Errorf("service %q: duplicate id", svc.ID)
		}
		seenIDs[svc.ID] = true
		if svc.Subdomain == "" || svc.Domain == "" {
			return fmt.Errorf("service %q: subdomain and domain are required", svc.ID)
		}
		if len(svc.Targets) == 0 {
			return fmt.Errorf("service %q: at least one target is required", svc.ID)
		}
		for j, t := range svc.Targets {
			if t.Host == "" {
				return fmt.Errorf("service %q: target %d: host is required", svc.ID, j)
			}
			if t.Scheme != "" && t.Scheme != "http" && t.Scheme != "https" {
				return fmt.Errorf("service %q: target %d: scheme must be http or https", svc.ID, j)
			}
			if t.Weight < 0 {
				return fmt.Errorf("service %q: target %d: weight must be >= 0", svc.ID, j)
			}
		}
		if !validAlgs[svc.SecComSettings.Alg] {
			return fmt.Errorf("service %q: unsupported secCom algorithm %q", svc.ID, svc.SecComSettings.Alg)
		}
		if svc.TargetsLoadBalancing.Type == WeightedBestResponseTime {
			r := svc.TargetsLoadBalancing.Ratio
			if r <= 0 || r > 1 {
				return fmt.Errorf("service %q: WeightedBestResponseTime ratio must be in (0,1]", svc.ID)
			}
		}
		if svc.JWTVerifier != nil && !validAlgs[svc.JWTVerifier.AlgoSettings.Alg] {
			return fmt.Errorf("service %q: unsupported jwt verifier algorithm %q", svc.ID, svc.JWTVerifier.AlgoSettings.Alg)
		}
	}

	seenKeys := make(map[string]bool, len(cfg.ApiKeys))
	for i := range cfg.ApiKeys {
		key := &cfg.ApiKeys[i]
		if key.ClientID == "" || key.ClientSecret == "" {
			return fmt.Errorf("apikey %d: clientId and clientSecret are required", i)
		}
		if seenKeys[key.ClientID] {
			return fmt.Errorf("apikey %q: duplicate clientId", key.ClientID)
		}
		seenKeys[key.ClientID] = true
	}

	return nil
}
