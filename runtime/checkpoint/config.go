package checkpoint

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the declarative per-pipeline checkpoint table, loaded once at
	// startup.
	Config struct {
		Pipelines map[string]Pipeline `yaml:"pipelines"`
	}

	// Pipeline describes one production pipeline: the tools that can produce
	// artifacts and the ordered stage table.
	Pipeline struct {
		// ProducerTools names the tools whose executions are inspected for
		// this pipeline. Empty inspects every tool.
		ProducerTools []string `yaml:"producer_tools,omitempty"`
		// Checkpoints lists the stage definitions in pipeline order.
		Checkpoints []Definition `yaml:"checkpoints"`
	}
)

// ErrNoPipelines reports a configuration file without any pipeline.
var ErrNoPipelines = errors.New("checkpoint config declares no pipelines")

// Load reads and validates a pipeline configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse checkpoint config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants: at least one pipeline, unique stage
// names, at least one rule and one artifact path per stage, and exactly one
// final stage per pipeline.
func (c *Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return ErrNoPipelines
	}
	for name, p := range c.Pipelines {
		if len(p.Checkpoints) == 0 {
			return fmt.Errorf("pipeline %q: no checkpoints", name)
		}
		seen := make(map[string]struct{}, len(p.Checkpoints))
		finals := 0
		for _, def := range p.Checkpoints {
			if def.Stage == "" {
				return fmt.Errorf("pipeline %q: checkpoint with empty stage name", name)
			}
			if _, dup := seen[def.Stage]; dup {
				return fmt.Errorf("pipeline %q: duplicate stage %q", name, def.Stage)
			}
			seen[def.Stage] = struct{}{}
			if len(def.Rules) == 0 {
				return fmt.Errorf("pipeline %q stage %q: no detection rules", name, def.Stage)
			}
			if len(def.ArtifactPaths) == 0 {
				return fmt.Errorf("pipeline %q stage %q: no artifact paths", name, def.Stage)
			}
			if def.Kind == "" {
				return fmt.Errorf("pipeline %q stage %q: empty artifact kind", name, def.Stage)
			}
			if def.Final {
				finals++
			}
		}
		if finals != 1 {
			return fmt.Errorf("pipeline %q: expected exactly one final stage, found %d", name, finals)
		}
	}
	return nil
}

// Detector builds a Detector for the named pipeline.
func (c *Config) Detector(pipeline string, opts ...DetectorOption) (*Detector, error) {
	p, ok := c.Pipelines[pipeline]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", pipeline)
	}
	if len(p.ProducerTools) > 0 {
		opts = append([]DetectorOption{WithProducerTools(p.ProducerTools...)}, opts...)
	}
	return NewDetector(p.Checkpoints, opts...), nil
}
