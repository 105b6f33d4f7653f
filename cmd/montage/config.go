package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the server configuration loaded from the --config YAML file.
	Config struct {
		HTTP      HTTPConfig     `yaml:"http"`
		Director  DirectorConfig `yaml:"director"`
		Redis     RedisConfig    `yaml:"redis"`
		Pipelines string         `yaml:"pipelines"`
		Pipeline  string         `yaml:"pipeline"`
		Actions   []ActionConfig `yaml:"actions"`
		Tools     []ToolConfig   `yaml:"tools"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		Addr  string `yaml:"addr"`
		Debug bool   `yaml:"debug"`
	}

	// DirectorConfig configures the reasoning agent.
	DirectorConfig struct {
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max_tokens"`
		System    string `yaml:"system"`
	}

	// RedisConfig configures the optional cross-process relay. An empty addr
	// disables it.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ActionConfig declares one approval-gated action template.
	ActionConfig struct {
		ID          string    `yaml:"id"`
		Tool        string    `yaml:"tool"`
		Title       string    `yaml:"title"`
		Description string    `yaml:"description"`
		ParamSchema yaml.Node `yaml:"param_schema"`
	}

	// ToolConfig declares one tool advertised to the agent, backed by an
	// allow-listed local command.
	ToolConfig struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Path        string   `yaml:"path"`
		Args        []string `yaml:"args"`
		Dir         string   `yaml:"dir"`
	}
)

// LoadConfig reads and validates the server configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Director.MaxTokens <= 0 {
		cfg.Director.MaxTokens = 8192
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Director.Model == "" {
		return fmt.Errorf("config: director.model is required")
	}
	if c.Pipelines == "" {
		return fmt.Errorf("config: pipelines path is required")
	}
	if c.Pipeline == "" {
		return fmt.Errorf("config: pipeline name is required")
	}
	seen := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if a.ID == "" || a.Tool == "" {
			return fmt.Errorf("config: action entries need id and tool")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("config: duplicate action id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	names := make(map[string]struct{}, len(c.Tools))
	for _, t := range c.Tools {
		if t.Name == "" || t.Path == "" {
			return fmt.Errorf("config: tool entries need name and path")
		}
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("config: duplicate tool %q", t.Name)
		}
		names[t.Name] = struct{}{}
	}
	return nil
}

// SchemaJSON renders the inline YAML parameter schema as JSON for the
// template registry. A missing schema defaults to an open object.
func (a *ActionConfig) SchemaJSON() (json.RawMessage, error) {
	if a.ParamSchema.IsZero() {
		return json.RawMessage(`{"type":"object"}`), nil
	}
	var v any
	if err := a.ParamSchema.Decode(&v); err != nil {
		return nil, fmt.Errorf("action %q: decode param_schema: %w", a.ID, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("action %q: encode param_schema: %w", a.ID, err)
	}
	return data, nil
}
