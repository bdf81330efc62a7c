package tiers

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a named subscription plan level.
type Tier string

const (
	None  Tier = ""
	Basic Tier = "basic"
	Pro   Tier = "pro"
	Elite Tier = "elite"
)

// legacyAliases maps the storefront's old plan keys onto tiers.
var legacyAliases = map[string]Tier{
	"basic_30": Basic,
	"pro_6":    Pro,
	"elite_12": Elite,
}

// Normalize lower-cases name and resolves legacy plan keys.
func Normalize(name string) Tier {
	n := strings.ToLower(strings.TrimSpace(name))
	if t, ok := legacyAliases[n]; ok {
		return t
	}
	return Tier(n)
}

// Plan describes how purchases map onto one tier.
type Plan struct {
	Tier         Tier     `yaml:"tier" json:"tier"`
	Rank         int      `yaml:"rank" json:"rank"`
	Keywords     []string `yaml:"keywords" json:"keywords"`
	MinAmount    int64    `yaml:"min_amount" json:"min_amount"` // minor units; 0 never matches by amount
	DurationDays int      `yaml:"duration_days" json:"duration_days"`
	// ProviderMinAmount overrides MinAmount for purchases from one provider.
	ProviderMinAmount map[string]int64 `yaml:"provider_min_amount,omitempty" json:"provider_min_amount,omitempty"`
}

// MinAmountFor returns the amount threshold that applies to provider.
func (p Plan) MinAmountFor(provider string) int64 {
	if v, ok := p.ProviderMinAmount[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return v
	}
	return p.MinAmount
}

// Duration returns the plan length.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// DefaultPlans returns the storefront's built-in plan table. Amounts are in
// cents. Payhip products are priced lower than the Lemon Squeezy ones, so
// Payhip sales use their own thresholds.
func DefaultPlans() []Plan {
	return []Plan{
		{Tier: Basic, Rank: 1, Keywords: []string{"basic", "basec"}, DurationDays: 30},
		{
			Tier: Pro, Rank: 2, Keywords: []string{"pro"}, MinAmount: 5000, DurationDays: 180,
			ProviderMinAmount: map[string]int64{"payhip": 300},
		},
		{
			Tier: Elite, Rank: 3, Keywords: []string{"elite"}, MinAmount: 15000, DurationDays: 365,
			ProviderMinAmount: map[string]int64{"payhip": 800},
		},
	}
}

type planFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadPlans reads a YAML plan table from path.
func LoadPlans(path string) ([]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}
	for i := range f.Plans {
		f.Plans[i].Tier = Normalize(string(f.Plans[i].Tier))
	}
	if err := ValidatePlans(f.Plans); err != nil {
		return nil, fmt.Errorf("plans file %s: %w", path, err)
	}
	return f.Plans, nil
}

// ValidatePlans checks that a plan table can always produce a resolution.
func ValidatePlans(plans []Plan) error {
	if len(plans) == 0 {
		return fmt.Errorf("at least one plan is required")
	}
	tiers := make(map[Tier]struct{}, len(plans))
	ranks := make(map[int]Tier, len(plans))
	for _, p := range plans {
		if p.Tier == None {
			return fmt.Errorf("plan with rank %d has no tier name", p.Rank)
		}
		if _, dup := tiers[p.Tier]; dup {
			return fmt.Errorf("tier %q defined more than once", p.Tier)
		}
		tiers[p.Tier] = struct{}{}
		if other, dup := ranks[p.Rank]; dup {
			return fmt.Errorf("tiers %q and %q share rank %d", other, p.Tier, p.Rank)
		}
		ranks[p.Rank] = p.Tier
		if p.DurationDays <= 0 {
			return fmt.Errorf("tier %q must have a positive duration, got %d days", p.Tier, p.DurationDays)
		}
		if p.MinAmount < 0 {
			return fmt.Errorf("tier %q has negative min_amount %d", p.Tier, p.MinAmount)
		}
		for provider, v := range p.ProviderMinAmount {
			if v < 0 {
				return fmt.Errorf("tier %q has negative min_amount %d for provider %q", p.Tier, v, provider)
			}
		}
	}
	return nil
}

// sortedByRankDesc returns a copy of plans, highest tier first.
func sortedByRankDesc(plans []Plan) []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank > out[j].Rank })
	for i := range out {
		kw := make([]string, 0, len(out[i].Keywords))
		for _, k := range out[i].Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kw = append(kw, k)
			}
		}
		out[i].Keywords = kw
		if len(out[i].ProviderMinAmount) > 0 {
			overrides := make(map[string]int64, len(out[i].ProviderMinAmount))
			for provider, v := range out[i].ProviderMinAmount {
				overrides[strings.ToLower(strings.TrimSpace(provider))] = v
			}
			out[i].ProviderMinAmount = overrides
		}
	}
	return out
}
