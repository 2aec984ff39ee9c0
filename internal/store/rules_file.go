package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"gopkg.in/yaml.v3"
)

// FileRuleSource serves commission rules from a YAML document loaded once at startup.
//
//	rules:
//	  - id: sh-onsite
//	    city: SH
//	    order_type: 上门服务
//	    mode: FIXED
//	    value: "200"
type FileRuleSource struct {
	rules []domain.CommissionRule
}

type ruleFile struct {
	Rules []ruleFileEntry `yaml:"rules"`
}

type ruleFileEntry struct {
	ID            string `yaml:"id"`
	City          string `yaml:"city"`
	OrderType     string `yaml:"order_type"`
	SkillCategory string `yaml:"skill_category"`
	Mode          string `yaml:"mode"`
	Value         string `yaml:"value"`
	Active        *bool  `yaml:"active"`
}

// LoadRuleFile reads and validates a rules file.
func LoadRuleFile(path string) (*FileRuleSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commission rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules decodes a YAML rules document.
func ParseRules(raw []byte) (*FileRuleSource, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode commission rules: %w", err)
	}

	rules := make([]domain.CommissionRule, 0, len(doc.Rules))
	for i, entry := range doc.Rules {
		mode := domain.CommissionMode(strings.ToUpper(strings.TrimSpace(entry.Mode)))
		if mode != domain.CommissionPercentage && mode != domain.CommissionFixed {
			return nil, fmt.Errorf("rule %d: unknown mode %q", i, entry.Mode)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(entry.Value))
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid value %q: %w", i, entry.Value, err)
		}
		if value.IsNegative() {
			return nil, fmt.Errorf("rule %d: value must not be negative", i)
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = fmt.Sprintf("file-%d", i)
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		rules = append(rules, domain.CommissionRule{
			ID:            id,
			CityCode:      scopeValue(entry.City),
			OrderType:     scopeValue(entry.OrderType),
			SkillCategory: scopeValue(entry.SkillCategory),
			Mode:          mode,
			Value:         value,
			Active:        active,
		})
	}
	return &FileRuleSource{rules: rules}, nil
}

func scopeValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "*" || strings.EqualFold(v, domain.Wildcard) || domain.IsWildcard(v) {
		return domain.Wildcard
	}
	return v
}

// ListActiveCommissionRules returns the active rules in file order.
func (s *FileRuleSource) ListActiveCommissionRules(ctx context.Context) ([]domain.CommissionRule, error) {
	out := make([]domain.CommissionRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}
