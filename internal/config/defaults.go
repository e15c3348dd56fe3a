package config

import "github.com/pbaille/chccat/internal/domain"

// Default returns the battery's standard configuration.
func Default() *Config {
	return &Config{
		Grid:  GridConfig{Min: -4, Max: 4, Step: 0.1},
		Prior: PriorConfig{Mean: 0, SD: 1},
		Select: SelectionConfig{
			TopK:               5,
			MaxExposurePerItem: 50,
		},
		Domains: map[domain.Domain]DomainConfig{
			domain.Gf:  reasoning(0.30, map[string]float64{"matrix_reasoning": 0.55, "series_completion": 0.45}),
			domain.Gv:  reasoning(0.30, map[string]float64{"mental_rotation": 0.60, "mirror_discrimination": 0.40}),
			domain.Gq:  reasoning(0.30, map[string]float64{"number_pattern": 0.60, "ratio_reasoning": 0.40}),
			domain.Gc:  reasoning(0.38, map[string]float64{"logical_inference": 0.55, "controlled_analogy": 0.45}),
			domain.Gwm: block(map[string]float64{"n_back_block": 1.0}),
			domain.Gs:  block(map[string]float64{"symbol_search_block": 0.60, "coding_block": 0.40}),
		},
		DIF: DIFConfig{
			Strata:         10,
			MinRespondents: 60,
			FlagThreshold:  1.5,
			GroupKey:       "groupA",
		},
		Store:    StoreConfig{Path: "chccat.db"},
		Redis:    RedisConfig{Key: "chccat:exposure"},
		Logging:  LoggingConfig{Level: "info"},
		Server:   ServerConfig{Addr: ":8080"},
		Scoring:  ScoringConfig{Mean: 100, SD: 15},
		Exposure: ExposureConfig{FlushEvery: 1},
	}
}

func reasoning(se float64, families map[string]float64) DomainConfig {
	return DomainConfig{
		SEThreshold:     se,
		MinItems:        10,
		MaxItems:        18,
		AnchorMiniBlock: 3,
		Anchor: AnchorPolicy{
			TargetProp:    0.22,
			MinAnchors:    2,
			MaxAnchors:    6,
			AvoidFirstTwo: true,
		},
		FamilyTargets: families,
	}
}

// timed block tasks run shorter with a looser SE target
func block(families map[string]float64) DomainConfig {
	return DomainConfig{
		SEThreshold:     0.42,
		MinItems:        8,
		MaxItems:        12,
		AnchorMiniBlock: 2,
		Anchor: AnchorPolicy{
			TargetProp: 0.18,
			MinAnchors: 1,
			MaxAnchors: 4,
		},
		FamilyTargets: families,
	}
}
