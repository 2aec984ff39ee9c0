package domain

import "github.com/shopspring/decimal"

// Wildcard matches any value in a commission rule scope.
const Wildcard = "ALL"

// CommissionMode selects how a rule's value turns into a fee.
type CommissionMode string

const (
	CommissionPercentage CommissionMode = "PERCENTAGE"
	CommissionFixed      CommissionMode = "FIXED"
)

// DefaultCommissionRuleID identifies the synthetic fallback rule.
const DefaultCommissionRuleID = "default"

// CommissionRule is a fee policy scoped by city, order type and skill category.
// Value is a percent for PERCENTAGE and an amount in major units for FIXED.
type CommissionRule struct {
	ID            string          `json:"id"`
	CityCode      string          `json:"city_code"`
	OrderType     string          `json:"order_type"`
	SkillCategory string          `json:"skill_category"`
	Mode          CommissionMode  `json:"mode"`
	Value         decimal.Decimal `json:"value"`
	Active        bool            `json:"active"`
}

// IsWildcard reports whether a scope value matches everything.
func IsWildcard(v string) bool {
	return v == "" || v == Wildcard
}
