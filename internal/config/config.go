// Package config - typed configuration for the routing gateway.
//
// DESIGN: One YAML file describes the server, the upstream providers and the
// Router rule table. Project- and session-scoped Router overrides live in
// small JSON files next to the session logs and are read per request by the
// session resolver, not here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	APIKey       string        `yaml:"apiKey"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// Provider describes one upstream model provider.
type Provider struct {
	Name    string   `yaml:"name" json:"name"`
	BaseURL string   `yaml:"baseUrl" json:"baseUrl"`
	APIKey  string   `yaml:"apiKey" json:"apiKey"`
	Models  []string `yaml:"models" json:"models"`
}

// RouterConfig is the rule table for model selection. Each field is a
// "provider,model" string or empty. JSON tags match the per-project override
// files, YAML tags the main config file.
type RouterConfig struct {
	Default              string `yaml:"default" json:"default"`
	Background           string `yaml:"background" json:"background"`
	Think                string `yaml:"think" json:"think"`
	LongContext          string `yaml:"longContext" json:"longContext"`
	LongContextThreshold int    `yaml:"longContextThreshold" json:"longContextThreshold"`
	WebSearch            string `yaml:"webSearch" json:"webSearch"`
	// Image is accepted for config-file compatibility; no routing rule
	// consults it.
	Image string `yaml:"image" json:"image"`
}

// Threshold returns the long-context threshold, defaulted.
func (r *RouterConfig) Threshold() int {
	if r.LongContextThreshold > 0 {
		return r.LongContextThreshold
	}
	return DefaultLongContextThreshold
}

// MonitoringConfig controls the request telemetry sink.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath"`
}

// LogConfig controls zerolog setup in the composition root.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the root gateway configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Providers   []Provider       `yaml:"providers"`
	Router      RouterConfig     `yaml:"router"`
	ProjectsDir string           `yaml:"projectsDir"`
	HomeDir     string           `yaml:"homeDir"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Log         LogConfig        `yaml:"log"`
}

// Load reads and validates a YAML config file. ${VAR} references are
// expanded from the environment before parsing so API keys can stay out of
// the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Router.LongContextThreshold == 0 {
		c.Router.LongContextThreshold = DefaultLongContextThreshold
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the invariants the routing engine relies on. The terminal
// fallback Router.Default must exist and resolve to a configured provider.
func (c *Config) Validate() error {
	if c.Router.Default == "" {
		return fmt.Errorf("router.default is required")
	}
	if _, _, ok := c.ResolveModel(c.Router.Default); !ok {
		return fmt.Errorf("router.default %q does not match any configured provider/model", c.Router.Default)
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: baseUrl is required", p.Name)
		}
	}
	return nil
}

// FindProvider looks up a provider by case-insensitive name.
func (c *Config) FindProvider(name string) (*Provider, bool) {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// ResolveModel splits a "provider,model" string and resolves both halves
// case-insensitively, returning the stored casing. ok is false when either
// half is unknown.
func (c *Config) ResolveModel(spec string) (provider *Provider, model string, ok bool) {
	name, wanted, found := strings.Cut(spec, ",")
	if !found {
		return nil, "", false
	}
	p, ok := c.FindProvider(strings.TrimSpace(name))
	if !ok {
		return nil, "", false
	}
	wanted = strings.TrimSpace(wanted)
	for _, m := range p.Models {
		if strings.EqualFold(m, wanted) {
			return p, m, true
		}
	}
	return nil, "", false
}
