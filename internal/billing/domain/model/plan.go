package model

import (
	"fmt"
	"sort"
)

// Plan is a sellable tier. Rank orders tiers for upgrade/downgrade.
type Plan struct {
	Slug             string `json:"slug"`
	Name             string `json:"name"`
	Rank             int    `json:"rank"`
	MonthlyPriceID   string `json:"-"`
	AnnualPriceID    string `json:"-"`
	AICreditsMonthly int64  `json:"aiCreditsMonthly"`
}

// PriceID returns the processor price for interval
func (p Plan) PriceID(interval BillingInterval) string {
	if interval == IntervalAnnual {
		return p.AnnualPriceID
	}
	return p.MonthlyPriceID
}

type priceRef struct {
	slug     string
	interval BillingInterval
}

// Catalog resolves plans by slug and by processor price id
type Catalog struct {
	plans  map[string]Plan
	prices map[string]priceRef
}

// NewCatalog builds a catalog; slugs and price ids must be unique
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:  make(map[string]Plan, len(plans)),
		prices: make(map[string]priceRef, len(plans)*2),
	}

	for _, p := range plans {
		if p.Slug == "" {
			return nil, fmt.Errorf("plan %q: slug is required", p.Name)
		}
		if _, dup := c.plans[p.Slug]; dup {
			return nil, fmt.Errorf("plan %q: duplicate slug", p.Slug)
		}
		c.plans[p.Slug] = p

		for interval, priceID := range map[BillingInterval]string{
			IntervalMonthly: p.MonthlyPriceID,
			IntervalAnnual:  p.AnnualPriceID,
		} {
			if priceID == "" {
				continue
			}
			if other, dup := c.prices[priceID]; dup {
				return nil, fmt.Errorf("price %s used by both %s and %s", priceID, other.slug, p.Slug)
			}
			c.prices[priceID] = priceRef{slug: p.Slug, interval: interval}
		}
	}

	return c, nil
}

// Plan returns the plan with slug
func (c *Catalog) Plan(slug string) (Plan, error) {
	p, ok := c.plans[slug]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, slug)
	}
	return p, nil
}

// ResolvePrice maps a processor price id to its plan and interval
func (c *Catalog) ResolvePrice(priceID string) (Plan, BillingInterval, bool) {
	ref, ok := c.prices[priceID]
	if !ok {
		return Plan{}, "", false
	}
	return c.plans[ref.slug], ref.interval, true
}

// Plans returns all plans ordered by rank
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Slugs returns plan slugs ordered by rank
func (c *Catalog) Slugs() []string {
	plans := c.Plans()
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = p.Slug
	}
	return out
}
