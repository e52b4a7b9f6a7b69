package billing

import (
	"context"
	"sort"
	"strings"
)

// Interval is a subscription billing interval
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Plan is a subscription plan. Prices are in minor currency units.
type Plan struct {
	ID                   string   `mapstructure:"id" json:"id"`
	Name                 string   `mapstructure:"name" json:"name"`
	Description          string   `mapstructure:"description" json:"description"`
	PriceMonthly         int64    `mapstructure:"price_monthly" json:"price_monthly"`
	PriceYearly          int64    `mapstructure:"price_yearly" json:"price_yearly"`
	StripePriceIDMonthly string   `mapstructure:"stripe_price_id_monthly" json:"-"`
	StripePriceIDYearly  string   `mapstructure:"stripe_price_id_yearly" json:"-"`
	CreditsIncluded      int64    `mapstructure:"credits_included" json:"credits_included"`
	Features             []string `mapstructure:"features" json:"features"`
	Active               bool     `mapstructure:"active" json:"active"`
}

// PriceID returns the provider price id for interval, or "" if none
func (p *Plan) PriceID(interval Interval) string {
	switch interval {
	case IntervalMonthly:
		return p.StripePriceIDMonthly
	case IntervalYearly:
		return p.StripePriceIDYearly
	}
	return ""
}

// Package is a one-time credit package
type Package struct {
	ID            string `mapstructure:"id" json:"id"`
	Name          string `mapstructure:"name" json:"name"`
	Credits       int64  `mapstructure:"credits" json:"credits"`
	Price         int64  `mapstructure:"price" json:"price"`
	StripePriceID string `mapstructure:"stripe_price_id" json:"-"`
	Active        bool   `mapstructure:"active" json:"active"`
}

// Catalog resolves plans and packages
type Catalog interface {
	// Plan returns an active plan by id, or ErrPlanNotFound
	Plan(ctx context.Context, id string) (*Plan, error)
	// PlanByPriceID returns the active plan owning a provider price id, or ErrPlanNotFound
	PlanByPriceID(ctx context.Context, priceID string) (*Plan, error)
	// Package returns an active package by id, or ErrPackageNotFound
	Package(ctx context.Context, id string) (*Package, error)
	// Plans lists active plans, cheapest first
	Plans(ctx context.Context) ([]Plan, error)
	// Packages lists active packages, smallest first
	Packages(ctx context.Context) ([]Package, error)
}

// StaticCatalog is an immutable in-memory catalog
type StaticCatalog struct {
	plans    map[string]Plan
	byPrice  map[string]string
	packages map[string]Package
}

// NewStaticCatalog builds a catalog from plans and packages
func NewStaticCatalog(plans []Plan, packages []Package) *StaticCatalog {
	c := &StaticCatalog{
		plans:    make(map[string]Plan, len(plans)),
		byPrice:  make(map[string]string, len(plans)*2),
		packages: make(map[string]Package, len(packages)),
	}
	for _, p := range plans {
		c.plans[p.ID] = p
		if p.StripePriceIDMonthly != "" {
			c.byPrice[strings.ToLower(p.StripePriceIDMonthly)] = p.ID
		}
		if p.StripePriceIDYearly != "" {
			c.byPrice[strings.ToLower(p.StripePriceIDYearly)] = p.ID
		}
	}
	for _, p := range packages {
		c.packages[p.ID] = p
	}
	return c
}

func (c *StaticCatalog) Plan(_ context.Context, id string) (*Plan, error) {
	p, ok := c.plans[id]
	if !ok || !p.Active {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (c *StaticCatalog) PlanByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	id, ok := c.byPrice[strings.ToLower(priceID)]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return c.Plan(ctx, id)
}

func (c *StaticCatalog) Package(_ context.Context, id string) (*Package, error) {
	p, ok := c.packages[id]
	if !ok || !p.Active {
		return nil, ErrPackageNotFound
	}
	return &p, nil
}

func (c *StaticCatalog) Plans(_ context.Context) ([]Plan, error) {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceMonthly < out[j].PriceMonthly })
	return out, nil
}

func (c *StaticCatalog) Packages(_ context.Context) ([]Package, error) {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out, nil
}

// DefaultPlans is the built-in plan catalog
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:                   "starter",
			Name:                 "Starter",
			Description:          "Perfect for small teams getting started",
			PriceMonthly:         2900,
			PriceYearly:          29000,
			StripePriceIDMonthly: "price_starter_monthly",
			StripePriceIDYearly:  "price_starter_yearly",
			CreditsIncluded:      1000,
			Features:             []string{"Up to 5 team members", "1,000 credits per month", "Basic analytics", "Email support"},
			Active:               true,
		},
		{
			ID:                   "pro",
			Name:                 "Pro",
			Description:          "For growing teams that need more power",
			PriceMonthly:         7900,
			PriceYearly:          79000,
			StripePriceIDMonthly: "price_pro_monthly",
			StripePriceIDYearly:  "price_pro_yearly",
			CreditsIncluded:      5000,
			Features:             []string{"Up to 25 team members", "5,000 credits per month", "Advanced analytics", "Priority support", "API access"},
			Active:               true,
		},
		{
			ID:                   "enterprise",
			Name:                 "Enterprise",
			Description:          "For large organizations with custom needs",
			PriceMonthly:         19900,
			PriceYearly:          199000,
			StripePriceIDMonthly: "price_enterprise_monthly",
			StripePriceIDYearly:  "price_enterprise_yearly",
			CreditsIncluded:      15000,
			Features:             []string{"Unlimited team members", "15,000 credits per month", "Custom integrations", "Dedicated support", "SLA"},
			Active:               true,
		},
	}
}

// DefaultPackages is the built-in credit package catalog
func DefaultPackages() []Package {
	return []Package{
		{ID: "credits_500", Name: "500 Credits", Credits: 500, Price: 1500, StripePriceID: "price_credits_500", Active: true},
		{ID: "credits_1000", Name: "1,000 Credits", Credits: 1000, Price: 2500, StripePriceID: "price_credits_1000", Active: true},
		{ID: "credits_2500", Name: "2,500 Credits", Credits: 2500, Price: 5000, StripePriceID: "price_credits_2500", Active: true},
		{ID: "credits_5000", Name: "5,000 Credits", Credits: 5000, Price: 9000, StripePriceID: "price_credits_5000", Active: true},
	}
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog(DefaultPlans(), DefaultPackages())
}
