package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"

	"github.com/amishk599/autobid/internal/model"
)

const (
	// DefaultMinBudget is the floor used when a job declares a maximum but no minimum.
	DefaultMinBudget = 100.0

	// DefaultCapMultiplier bounds a bid at 180% of the reference price.
	DefaultCapMultiplier = 1.8

	DefaultCurrency = "USD"
)

// ErrNoPrice is returned when neither the estimate nor the budget yields a
// positive amount.
var ErrNoPrice = errors.New("no positive price available")

// Converter converts an amount between ISO 4217 currencies.
type Converter interface {
	Convert(amount float64, from, to string) (float64, error)
}

// Policy holds the business values behind floor and cap.
type Policy struct {
	DefaultMinBudget float64
	CapMultiplier    float64
	BidCurrency      string // account's bidding currency
}

// DefaultPolicy returns the 100 unit floor and 180% cap, bidding in USD.
func DefaultPolicy() Policy {
	return Policy{
		DefaultMinBudget: DefaultMinBudget,
		CapMultiplier:    DefaultCapMultiplier,
		BidCurrency:      DefaultCurrency,
	}
}

// Resolver computes the final bid amount from the AI suggestion and the
// job's budget signals. Floor and cap are applied in the job's own currency;
// only the result is converted to the bidding currency.
type Resolver struct {
	policy Policy
	conv   Converter
}

// NewResolver returns a Resolver. conv may be nil when every job is priced
// in the bidding currency.
func NewResolver(p Policy, conv Converter) *Resolver {
	if p.DefaultMinBudget <= 0 {
		p.DefaultMinBudget = DefaultMinBudget
	}
	if p.CapMultiplier <= 0 {
		p.CapMultiplier = DefaultCapMultiplier
	}
	if p.BidCurrency == "" {
		p.BidCurrency = DefaultCurrency
	}
	p.BidCurrency = strings.ToUpper(p.BidCurrency)
	return &Resolver{policy: p, conv: conv}
}

// ResolvePrice resolves with the default policy and no conversion.
func ResolvePrice(estimate, minBudget, maxBudget, marketAverage float64, cur string) (model.BidAmount, error) {
	p := DefaultPolicy()
	if cur != "" {
		p.BidCurrency = cur
	}
	return NewResolver(p, nil).Resolve(estimate, model.Budget{Min: minBudget, Max: maxBudget, Currency: cur}, marketAverage)
}

// Resolve returns the amount to bid.
//
// The floor is the declared minimum, or DefaultMinBudget when only a maximum
// is declared. The cap is ceil(reference * multiplier), where the reference
// is the maximum budget if positive, else the market average if positive.
// With no minimum, maximum or market average the estimate passes through.
// The cap is applied after the floor and always has the last word, so a
// floor above the cap (including the default floor on a small maximum)
// yields the cap.
func (r *Resolver) Resolve(estimate float64, budget model.Budget, marketAverage float64) (model.BidAmount, error) {
	native := strings.ToUpper(budget.Currency)
	if native == "" {
		native = r.policy.BidCurrency
	}
	decimals := minorUnits(native)

	amount := model.BidAmount{Currency: native}
	value := estimate
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}

	floor := 0.0
	switch {
	case budget.Min > 0:
		floor = budget.Min
	case budget.Max > 0:
		floor = r.policy.DefaultMinBudget
	}
	floor = ceilTo(floor, decimals)

	if floor > 0 && value < floor {
		value = floor
		amount.WasFloored = true
	}

	ref, reason := 0.0, model.CapNone
	switch {
	case budget.Max > 0:
		ref, reason = budget.Max, model.CapMaxBudget
	case marketAverage > 0:
		ref, reason = marketAverage, model.CapMarketAverage
	}
	if ref > 0 {
		// Compare before rounding so rounding cannot push past the cap.
		capValue := ceilTo(ref*r.policy.CapMultiplier, 0)
		amount.Cap = capValue
		if value > capValue {
			value = capValue
			amount.WasCapped = true
			amount.CapReason = reason
		}
	}

	value = roundTo(value, decimals)
	if value <= 0 {
		return model.BidAmount{}, fmt.Errorf("resolving price (estimate %v): %w", estimate, ErrNoPrice)
	}
	amount.Amount = value

	if native == r.policy.BidCurrency {
		return amount, nil
	}
	return r.convert(amount)
}

func (r *Resolver) convert(a model.BidAmount) (model.BidAmount, error) {
	if r.conv == nil {
		return model.BidAmount{}, fmt.Errorf("no exchange rate source for %s -> %s", a.Currency, r.policy.BidCurrency)
	}
	target := r.policy.BidCurrency
	decimals := minorUnits(target)

	converted, err := r.conv.Convert(a.Amount, a.Currency, target)
	if err != nil {
		return model.BidAmount{}, fmt.Errorf("converting %s to %s: %w", a.Currency, target, err)
	}
	converted = roundTo(converted, decimals)
	if converted <= 0 {
		return model.BidAmount{}, fmt.Errorf("converting %v %s to %s: %w", a.Amount, a.Currency, target, ErrNoPrice)
	}
	if a.Cap > 0 {
		if c, err := r.conv.Convert(a.Cap, a.Currency, target); err == nil {
			a.Cap = c
		}
	}
	a.Amount = converted
	a.Currency = target
	return a, nil
}

// minorUnits returns the number of decimals billed in cur, 2 if unknown.
func minorUnits(cur string) int {
	u, err := currency.ParseISO(cur)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(u)
	return scale
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

func ceilTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	// Absorb float noise such as 100.00000000001.
	return math.Ceil(v*p-1e-9) / p
}
