package config

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pbaille/chccat/internal/domain"
)

// Config holds all engine configuration.
type Config struct {
	Grid     GridConfig                     `yaml:"grid"`
	Prior    PriorConfig                    `yaml:"prior"`
	Select   SelectionConfig                `yaml:"selection"`
	Domains  map[domain.Domain]DomainConfig `yaml:"domains" validate:"required,dive"`
	DIF      DIFConfig                      `yaml:"dif"`
	Store    StoreConfig                    `yaml:"store"`
	Redis    RedisConfig                    `yaml:"redis"`
	Logging  LoggingConfig                  `yaml:"logging"`
	Server   ServerConfig                   `yaml:"server"`
	Scoring  ScoringConfig                  `yaml:"scoring"`
	Exposure ExposureConfig                 `yaml:"exposure"`
}

// GridConfig is the quadrature grid of the ability estimator.
type GridConfig struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max" validate:"gtfield=Min"`
	Step float64 `yaml:"step" validate:"gt=0"`
}

type PriorConfig struct {
	Mean float64 `yaml:"mean"`
	SD   float64 `yaml:"sd" validate:"gt=0"`
}

// SelectionConfig applies to every domain.
type SelectionConfig struct {
	TopK               int `yaml:"top_k" validate:"gte=1"`
	MaxExposurePerItem int `yaml:"max_exposure_per_item" validate:"gte=1"`
}

// AnchorPolicy bounds how many anchor items a subtest administers.
type AnchorPolicy struct {
	TargetProp    float64 `yaml:"target_prop" validate:"gte=0,lte=1"`
	MinAnchors    int     `yaml:"min_anchors" validate:"gte=0"`
	MaxAnchors    int     `yaml:"max_anchors" validate:"gtefield=MinAnchors"`
	AvoidFirstTwo bool    `yaml:"avoid_first_two"`
}

// DomainConfig holds the stopping rule and content constraints of one domain.
type DomainConfig struct {
	SEThreshold     float64            `yaml:"se_threshold" validate:"gte=0"`
	MinItems        int                `yaml:"min_items" validate:"gte=0"`
	MaxItems        int                `yaml:"max_items" validate:"gte=1,gtefield=MinItems"`
	AnchorMiniBlock int                `yaml:"anchor_mini_block" validate:"gte=0"`
	Anchor          AnchorPolicy       `yaml:"anchor"`
	FamilyTargets   map[string]float64 `yaml:"family_targets" validate:"dive,gte=0,lte=1"`
}

type DIFConfig struct {
	Strata         int     `yaml:"strata" validate:"gte=2"`
	MinRespondents int     `yaml:"min_respondents" validate:"gte=1"`
	FlagThreshold  float64 `yaml:"flag_threshold" validate:"gt=0"`
	GroupKey       string  `yaml:"group_key"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the shared exposure backend when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ScoringConfig holds the reporting metric.
type ScoringConfig struct {
	Mean float64 `yaml:"mean"`
	SD   float64 `yaml:"sd" validate:"gt=0"`
}

// ExposureConfig controls how often the ledger is flushed to its persister.
type ExposureConfig struct {
	FlushEvery int `yaml:"flush_every" validate:"gte=0"`
}

var validate = validator.New()

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defaults := maps.Clone(cfg.Domains)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// yaml decodes map values from zero, so domain entries are merged by hand
	cfg.Domains = defaults
	if err := mergeDomains(data, cfg.Domains); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeDomains decodes each domains entry over the existing configuration of
// that domain. A family_targets key replaces the default targets whole.
func mergeDomains(data []byte, into map[domain.Domain]DomainConfig) error {
	var raw struct {
		Domains map[domain.Domain]yaml.Node `yaml:"domains"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	for d, node := range raw.Domains {
		dc := into[d]
		if hasKey(&node, "family_targets") {
			dc.FamilyTargets = nil
		}
		if err := node.Decode(&dc); err != nil {
			return fmt.Errorf("parse config: domain %s: %w", d, err)
		}
		into[d] = dc
	}
	return nil
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for d, dc := range c.Domains {
		if !d.Valid() {
			return fmt.Errorf("invalid config: unknown domain %q", d)
		}
		if len(dc.FamilyTargets) == 0 {
			continue
		}
		var sum float64
		for _, p := range dc.FamilyTargets {
			sum += p
		}
		if sum < 0.99 || sum > 1.01 {
			return fmt.Errorf("invalid config: %s family targets sum to %.2f", d, sum)
		}
	}
	return nil
}

// Domain returns the configuration of d.
func (c *Config) Domain(d domain.Domain) (DomainConfig, error) {
	dc, ok := c.Domains[d]
	if !ok {
		return DomainConfig{}, errors.New("no configuration for domain " + string(d))
	}
	return dc, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
