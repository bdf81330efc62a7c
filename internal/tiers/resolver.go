package tiers

import (
	"fmt"
	"strings"
	"time"
)

// MatchSource records which signal decided a resolution.
type MatchSource string

const (
	MatchVariant MatchSource = "variant"
	MatchProduct MatchSource = "product"
	MatchAmount  MatchSource = "amount"
	MatchDefault MatchSource = "default"
)

// Resolution is the outcome of mapping a purchase onto a tier.
type Resolution struct {
	Tier         Tier        `json:"tier"`
	DurationDays int         `json:"duration_days"`
	MatchedBy    MatchSource `json:"matched_by"`
}

// Duration returns the subscription length granted by the resolution.
func (r Resolution) Duration() time.Duration {
	return time.Duration(r.DurationDays) * 24 * time.Hour
}

// Resolver maps free-text product labels and paid amounts onto tiers. It is
// immutable after construction and safe for concurrent use.
type Resolver struct {
	plans []Plan // highest rank first
}

// NewResolver builds a resolver over plans.
func NewResolver(plans []Plan) (*Resolver, error) {
	if err := ValidatePlans(plans); err != nil {
		return nil, fmt.Errorf("invalid plan table: %w", err)
	}
	return &Resolver{plans: sortedByRankDesc(plans)}, nil
}

// MustDefaultResolver returns a resolver over DefaultPlans.
func MustDefaultResolver() *Resolver {
	r, err := NewResolver(DefaultPlans())
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve picks a tier from the variant label, then the product label, then
// the amount (in minor units). The first signal that matches wins. Keywords
// are checked highest tier first so "pro" can't shadow a label that also
// names a higher tier. When nothing matches, the lowest tier is returned.
// Amount thresholds are the provider-independent ones; see ResolveFor.
func (r *Resolver) Resolve(variant, product string, amount int64) Resolution {
	return r.ResolveFor("", variant, product, amount)
}

// ResolveFor is Resolve using provider's amount thresholds where the plan
// table defines them.
func (r *Resolver) ResolveFor(provider, variant, product string, amount int64) Resolution {
	if p, ok := r.matchLabel(variant); ok {
		return resolution(p, MatchVariant)
	}
	if p, ok := r.matchLabel(product); ok {
		return resolution(p, MatchProduct)
	}
	if amount > 0 {
		for _, p := range r.plans {
			if threshold := p.MinAmountFor(provider); threshold > 0 && amount >= threshold {
				return resolution(p, MatchAmount)
			}
		}
	}
	return resolution(r.plans[len(r.plans)-1], MatchDefault)
}

func (r *Resolver) matchLabel(label string) (Plan, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return Plan{}, false
	}
	for _, p := range r.plans {
		for _, kw := range p.Keywords {
			if strings.Contains(label, kw) {
				return p, true
			}
		}
	}
	return Plan{}, false
}

// Lookup returns the plan for a tier name, accepting legacy plan keys.
func (r *Resolver) Lookup(name string) (Plan, bool) {
	t := Normalize(name)
	for _, p := range r.plans {
		if p.Tier == t {
			return p, true
		}
	}
	return Plan{}, false
}

// Plans returns the plan table, highest tier first.
func (r *Resolver) Plans() []Plan {
	out := make([]Plan, len(r.plans))
	copy(out, r.plans)
	return out
}

func resolution(p Plan, src MatchSource) Resolution {
	return Resolution{Tier: p.Tier, DurationDays: p.DurationDays, MatchedBy: src}
}
