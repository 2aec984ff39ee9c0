/**
 * @description
 * The commission rule matcher resolves the fee policy for a new order from its city,
 * order type and skill category, and turns the policy into a platform fee. Fees are
 * computed once at creation with decimal arithmetic and stored in cents.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact fee arithmetic.
 * - internal/domain: For commission rules.
 */

package app

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

// RuleSource lists the currently active commission rules in tie-break order.
type RuleSource interface {
	ListActiveCommissionRules(ctx context.Context) ([]domain.CommissionRule, error)
}

var hundred = decimal.NewFromInt(100)

// CommissionMatcher picks the most specific active rule for an order scope.
type CommissionMatcher struct {
	source      RuleSource
	defaultRate decimal.Decimal
}

// NewCommissionMatcher falls back to a PERCENTAGE rule at defaultRate when nothing matches.
func NewCommissionMatcher(source RuleSource, defaultRate decimal.Decimal) *CommissionMatcher {
	return &CommissionMatcher{source: source, defaultRate: defaultRate}
}

// CommissionQuote is the fee outcome for one publish price.
type CommissionQuote struct {
	Rule         domain.CommissionRule `json:"rule"`
	PublishPrice int64                 `json:"publish_price"`
	PlatformFee  int64                 `json:"platform_fee"`
	GrabPrice    int64                 `json:"grab_price"`
}

// Resolve returns the matching rule, or the default rule when none applies.
func (m *CommissionMatcher) Resolve(ctx context.Context, cityCode, orderType, skillCategory string) (domain.CommissionRule, error) {
	rules, err := m.source.ListActiveCommissionRules(ctx)
	if err != nil {
		return domain.CommissionRule{}, fmt.Errorf("load commission rules: %w", err)
	}

	best := 0
	var chosen domain.CommissionRule
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		level := matchLevel(rule, cityCode, orderType, skillCategory)
		if level == 0 {
			continue
		}
		// Earlier rules win ties, so only a strictly more specific level replaces the pick.
		if best == 0 || level < best {
			best = level
			chosen = rule
		}
		if best == 1 {
			break
		}
	}
	if best == 0 {
		return m.defaultRule(), nil
	}
	return chosen, nil
}

func (m *CommissionMatcher) defaultRule() domain.CommissionRule {
	return domain.CommissionRule{
		ID:            domain.DefaultCommissionRuleID,
		CityCode:      domain.Wildcard,
		OrderType:     domain.Wildcard,
		SkillCategory: domain.Wildcard,
		Mode:          domain.CommissionPercentage,
		Value:         m.defaultRate,
		Active:        true,
	}
}

// matchLevel ranks how specifically rule covers the scope: 1 is most specific, 0 is no match.
func matchLevel(rule domain.CommissionRule, cityCode, orderType, skillCategory string) int {
	cityAny := domain.IsWildcard(rule.CityCode)
	typeAny := domain.IsWildcard(rule.OrderType)
	skillAny := domain.IsWildcard(rule.SkillCategory)
	cityExact := !cityAny && rule.CityCode == cityCode
	typeExact := !typeAny && rule.OrderType == orderType
	skillExact := !skillAny && rule.SkillCategory == skillCategory

	switch {
	case cityExact && typeExact && skillExact:
		return 1
	case cityExact && typeExact && skillAny:
		return 2
	case cityExact && typeAny && (skillAny || skillExact):
		return 3
	case cityAny && typeExact && (skillAny || skillExact):
		return 4
	case cityAny && typeAny && (skillAny || skillExact):
		return 5
	default:
		return 0
	}
}

// CommissionFee computes the platform fee in cents for a publish price in cents.
// PERCENTAGE values are percents; FIXED values are major currency units.
func CommissionFee(rule domain.CommissionRule, publishPrice int64) (int64, error) {
	var fee decimal.Decimal
	switch rule.Mode {
	case domain.CommissionPercentage:
		fee = decimal.NewFromInt(publishPrice).Mul(rule.Value).Div(hundred)
	case domain.CommissionFixed:
		fee = rule.Value.Mul(hundred)
	default:
		return 0, fmt.Errorf("%w: unknown commission mode %q", domain.ErrInvalidInput, rule.Mode)
	}

	// Round half up to whole cents; fees are never negative so away-from-zero is half up.
	fee = fee.Round(0)
	if fee.IsNegative() {
		return 0, fmt.Errorf("%w: negative commission value on rule %s", domain.ErrInvalidInput, rule.ID)
	}
	if fee.GreaterThan(decimal.NewFromInt(math.MaxInt64 - publishPrice)) {
		return 0, fmt.Errorf("%w: fee overflows for rule %s", domain.ErrInvalidAmount, rule.ID)
	}
	return fee.IntPart(), nil
}

// Quote resolves the rule for a scope and prices publishPrice with it.
func (m *CommissionMatcher) Quote(ctx context.Context, cityCode, orderType, skillCategory string, publishPrice int64) (CommissionQuote, error) {
	if publishPrice <= 0 {
		return CommissionQuote{}, domain.ErrInvalidAmount
	}
	rule, err := m.Resolve(ctx, cityCode, orderType, skillCategory)
	if err != nil {
		return CommissionQuote{}, err
	}
	fee, err := CommissionFee(rule, publishPrice)
	if err != nil {
		return CommissionQuote{}, err
	}
	return CommissionQuote{
		Rule:         rule,
		PublishPrice: publishPrice,
		PlatformFee:  fee,
		GrabPrice:    publishPrice + fee,
	}, nil
}
