package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/dragnet-project/dragnet/internal/errors"
)

// IntegerOperator compares a client's integer attribute against a rule value.
type IntegerOperator string

const (
	OperatorLessThan    IntegerOperator = "less_than"
	OperatorEqual       IntegerOperator = "equal"
	OperatorGreaterThan IntegerOperator = "greater_than"
)

// RegexRule matches when the named string attribute matches the pattern.
// The pattern is anchored: it must match the whole attribute value,
// case-sensitively.
type RegexRule struct {
	Attribute string `json:"attribute"`
	Pattern   string `json:"pattern"`

	re *regexp.Regexp
}

// NewRegexRule validates the attribute name against the client schema and
// compiles the pattern. Validation failures surface here, never at match
// time.
func NewRegexRule(attribute, pattern string) (RegexRule, error) {
	if err := checkAttribute(attribute, KindString); err != nil {
		return RegexRule{}, err
	}
	re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return RegexRule{}, errors.NewValidationError("compile_rule_pattern", attribute, err)
	}
	return RegexRule{Attribute: attribute, Pattern: pattern, re: re}, nil
}

// Matches reports whether the client's attribute value matches the pattern.
// A client missing the attribute does not match.
func (r RegexRule) Matches(client ClientRecord) bool {
	value, ok := client.StringAttr(r.Attribute)
	if !ok {
		return false
	}
	return r.re.MatchString(value)
}

// UnmarshalJSON rebuilds the rule through NewRegexRule so persisted rules
// are re-validated and re-compiled on load.
func (r *RegexRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Attribute string `json:"attribute"`
		Pattern   string `json:"pattern"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rule, err := NewRegexRule(raw.Attribute, raw.Pattern)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// IntegerRule matches when the named integer attribute compares true
// against Value under Operator.
type IntegerRule struct {
	Attribute string          `json:"attribute"`
	Operator  IntegerOperator `json:"operator"`
	Value     int64           `json:"value"`
}

// NewIntegerRule validates the attribute name and operator.
func NewIntegerRule(attribute string, operator IntegerOperator, value int64) (IntegerRule, error) {
	if err := checkAttribute(attribute, KindInteger); err != nil {
		return IntegerRule{}, err
	}
	switch operator {
	case OperatorLessThan, OperatorEqual, OperatorGreaterThan:
	default:
		return IntegerRule{}, errors.Validationf("new_integer_rule", attribute, "unknown operator %q", operator)
	}
	return IntegerRule{Attribute: attribute, Operator: operator, Value: value}, nil
}

// Matches reports whether the client's attribute value compares true.
// A client missing the attribute does not match.
func (r IntegerRule) Matches(client ClientRecord) bool {
	value, ok := client.IntAttr(r.Attribute)
	if !ok {
		return false
	}
	switch r.Operator {
	case OperatorLessThan:
		return value < r.Value
	case OperatorEqual:
		return value == r.Value
	case OperatorGreaterThan:
		return value > r.Value
	default:
		return false
	}
}

// UnmarshalJSON rebuilds the rule through NewIntegerRule.
func (r *IntegerRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Attribute string          `json:"attribute"`
		Operator  IntegerOperator `json:"operator"`
		Value     int64           `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rule, err := NewIntegerRule(raw.Attribute, raw.Operator, raw.Value)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// RuleGroup is one OR-branch of a hunt's rule set: every predicate in the
// group must match for the group to match. Each AddRule call on a hunt
// produces one group.
type RuleGroup struct {
	ID       string        `json:"id"`
	HuntID   string        `json:"hunt_id"`
	Regex    []RegexRule   `json:"regex,omitempty"`
	Integers []IntegerRule `json:"integers,omitempty"`
	Created  time.Time     `json:"created"`
	Expires  time.Time     `json:"expires,omitempty"`
}

// Matches reports whether every predicate in the group matches the client.
func (g RuleGroup) Matches(client ClientRecord) bool {
	for _, rule := range g.Regex {
		if !rule.Matches(client) {
			return false
		}
	}
	for _, rule := range g.Integers {
		if !rule.Matches(client) {
			return false
		}
	}
	return true
}

// Empty reports whether the group carries no predicates. Empty groups are
// rejected when attached to a hunt; a predicate-free group would match the
// whole fleet.
func (g RuleGroup) Empty() bool {
	return len(g.Regex) == 0 && len(g.Integers) == 0
}

// Expired reports whether the group's expiry has passed. A zero expiry
// never expires.
func (g RuleGroup) Expired(now time.Time) bool {
	return !g.Expires.IsZero() && now.After(g.Expires)
}

func checkAttribute(name string, want AttributeKind) error {
	kind, ok := ClientSchema[name]
	if !ok {
		return errors.NewValidationError("check_attribute", name, errors.ErrUnknownAttribute)
	}
	if kind != want {
		return errors.Validationf("check_attribute", name, "attribute kind mismatch: %w", errors.ErrInvalidInput)
	}
	return nil
}

// String renders a compact description used in logs.
func (g RuleGroup) String() string {
	return fmt.Sprintf("group %s (hunt %s, %d regex, %d integer)", g.ID, g.HuntID, len(g.Regex), len(g.Integers))
}
