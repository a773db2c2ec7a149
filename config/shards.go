package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"qingxi/models"
)

// IPShard assigns symbols to a local source IP so one exchange can be spread
// across several addresses and per-IP limits.
type IPShard struct {
	IP      string                     `yaml:"ip"`
	Symbols map[string][]models.Symbol `yaml:"symbols"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i := range cfg.Shards {
		cfg.Shards[i].IP = strings.TrimSpace(cfg.Shards[i].IP)
		if cfg.Shards[i].IP == "" {
			return nil, fmt.Errorf("shards[%d].ip is required", i)
		}
	}
	return &cfg, nil
}

// Apply splits every source that has shard assignments into one source per
// IP. Symbols of a source that no shard claims stay on the original source.
func (s *IPShards) Apply(sources []SourceConfig) []SourceConfig {
	if s == nil || len(s.Shards) == 0 {
		return sources
	}
	out := make([]SourceConfig, 0, len(sources))
	for _, src := range sources {
		claimed := make(map[models.Symbol]bool)
		for _, shard := range s.Shards {
			syms := shard.Symbols[src.Exchange]
			if len(syms) == 0 {
				continue
			}
			part := src
			part.LocalIP = shard.IP
			part.Symbols = nil
			part.Subscriptions = nil
			for _, sym := range syms {
				if slices.Contains(src.Symbols, sym) && !claimed[sym] {
					part.Symbols = append(part.Symbols, sym)
					claimed[sym] = true
				}
			}
			for _, sub := range src.Subscriptions {
				if slices.Contains(syms, sub.Symbol) {
					part.Subscriptions = append(part.Subscriptions, sub)
					claimed[sub.Symbol] = true
				}
			}
			if len(part.Symbols) > 0 || len(part.Subscriptions) > 0 {
				out = append(out, part)
			}
		}

		rest := src
		rest.Symbols = nil
		rest.Subscriptions = nil
		for _, sy := range src.Symbols {
			if !claimed[sy] {
				rest.Symbols = append(rest.Symbols, sy)
			}
		}
		for _, sub := range src.Subscriptions {
			if !claimed[sub.Symbol] {
				rest.Subscriptions = append(rest.Subscriptions, sub)
			}
		}
		if len(rest.Symbols) > 0 || len(rest.Subscriptions) > 0 {
			out = append(out, rest)
		}
	}
	return out
}
