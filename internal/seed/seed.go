// Package seed applies a declarative YAML description of providers, groups,
// aliases and keys to the store at startup.
//
// Environment references (${OPENAI_API_KEY}) are expanded before parsing so
// secrets stay out of the file. Applying is idempotent: providers, groups and
// aliases are upserted, keys are inserted only when absent.
//
//	providers:
//	  - name: openai
//	    type: openai
//	    api_key: ${OPENAI_API_KEY}
//	groups:
//	  - id: fast
//	    strategy: weighted
//	    members:
//	      - {provider: openai, model: gpt-4o-mini, weight: 3}
//	aliases:
//	  gpt-4: openai/gpt-4o
//	keys:
//	  - {key: sk-gw-dev, name: dev, rate_limit_per_minute: 60}
package seed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/modelgate/internal/store"
)

// File is the on-disk seed document.
type File struct {
	Providers []Provider        `yaml:"providers"`
	Groups    []Group           `yaml:"groups"`
	Aliases   map[string]string `yaml:"aliases"`
	Keys      []Key             `yaml:"keys"`
}

type Provider struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type Group struct {
	ID       string   `yaml:"id"`
	Strategy string   `yaml:"strategy"`
	Members  []Member `yaml:"members"`
}

type Member struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Weight   int    `yaml:"weight"`
}

type Key struct {
	Key                string `yaml:"key"`
	Name               string `yaml:"name"`
	UsageLimit         *int64 `yaml:"usage_limit"`
	RateLimitPerMinute *int64 `yaml:"rate_limit_per_minute"`
	Disabled           bool   `yaml:"disabled"`
}

// Store is the subset of *store.Store the seeder writes to.
type Store interface {
	UpsertProvider(ctx context.Context, p store.Provider) error
	SaveGroup(ctx context.Context, g store.Group) error
	UpsertAlias(ctx context.Context, a store.Alias) error
	EnsureKey(ctx context.Context, k store.Key) error
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse expands environment references in raw and decodes it.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for i, p := range f.Providers {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("seed: providers[%d]: name and type are required", i)
		}
	}
	for i, g := range f.Groups {
		if g.ID == "" {
			return fmt.Errorf("seed: groups[%d]: id is required", i)
		}
		switch g.Strategy {
		case "", store.StrategyRandom, store.StrategyRoundRobin, store.StrategyWeighted:
		default:
			return fmt.Errorf("seed: group %s: unknown strategy %q", g.ID, g.Strategy)
		}
		for j, m := range g.Members {
			if m.Provider == "" || m.Model == "" {
				return fmt.Errorf("seed: group %s: members[%d]: provider and model are required", g.ID, j)
			}
		}
	}
	for i, k := range f.Keys {
		if k.Key == "" {
			return fmt.Errorf("seed: keys[%d]: key is required", i)
		}
	}
	return nil
}

// Apply writes f into s.
func (f *File) Apply(ctx context.Context, s Store) error {
	for _, p := range f.Providers {
		if err := s.UpsertProvider(ctx, store.Provider{
			Name:    p.Name,
			Family:  p.Type,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
		}); err != nil {
			return err
		}
	}

	for _, g := range f.Groups {
		strategy := g.Strategy
		if strategy == "" {
			strategy = store.StrategyRandom
		}
		members := make([]store.Member, 0, len(g.Members))
		for _, m := range g.Members {
			w := m.Weight
			if w <= 0 {
				w = 1
			}
			members = append(members, store.Member{Provider: m.Provider, TargetModel: m.Model, Weight: w})
		}
		if err := s.SaveGroup(ctx, store.Group{ID: g.ID, Strategy: strategy, Members: members}); err != nil {
			return err
		}
	}

	for src, dst := range f.Aliases {
		if err := s.UpsertAlias(ctx, store.Alias{Source: src, Target: dst}); err != nil {
			return err
		}
	}

	for _, k := range f.Keys {
		if err := s.EnsureKey(ctx, store.Key{
			Key:                k.Key,
			Name:               k.Name,
			UsageLimit:         k.UsageLimit,
			RateLimitPerMinute: k.RateLimitPerMinute,
			Active:             !k.Disabled,
		}); err != nil {
			return err
		}
	}

	return nil
}
