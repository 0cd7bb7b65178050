package rules

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"inventory-core/pkg/types"
)

// EvaluateRules returns the inclusion verdict for a context:
// true iff (any INCLUDE rule matches, or no INCLUDE rules exist) and
// no EXCLUDE rule matches. Evaluation never fails; a malformed rule is
// treated as not matched.
func EvaluateRules(ruleSet []types.CalculationRule, ctx Context) bool {
	ordered := sortRules(ruleSet)

	hasInclude := false
	includeMatched := false
	for _, r := range ordered {
		switch r.RuleType {
		case types.RuleInclude:
			hasInclude = true
			if !includeMatched && ruleMatches(r, ctx) {
				includeMatched = true
			}
		case types.RuleExclude:
			if ruleMatches(r, ctx) {
				return false
			}
		}
	}

	return includeMatched || !hasInclude
}

// MatchingRule returns the highest-priority rule that matches the context,
// for stamping calculationRuleId/Version on outputs. ok is false when
// nothing matches.
func MatchingRule(ruleSet []types.CalculationRule, ctx Context) (types.CalculationRule, bool) {
	for _, r := range sortRules(ruleSet) {
		if ruleMatches(r, ctx) {
			return r, true
		}
	}
	return types.CalculationRule{}, false
}

// sortRules orders rules by priority ascending, then ID, so identical rule
// sets always evaluate identically.
func sortRules(ruleSet []types.CalculationRule) []types.CalculationRule {
	ordered := make([]types.CalculationRule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// ruleMatches evaluates the rule's condition chain left to right with AND
// binding tighter than OR: the chain is an OR of AND-runs. A rule with no
// conditions never matches.
func ruleMatches(r types.CalculationRule, ctx Context) bool {
	if len(r.Conditions) == 0 {
		return false
	}

	// Accumulate the current AND-run; an OR joins it to the next run.
	run := true
	for i, cond := range r.Conditions {
		run = run && evalCondition(cond, ctx)

		last := i == len(r.Conditions)-1
		if last {
			return run
		}
		if cond.LogicalOperator == types.LogicalOr {
			if run {
				return true
			}
			run = true
		}
	}
	return run
}

// evalCondition applies one comparison. Unknown attributes evaluate to
// false except under IS_NULL, which asks exactly for absence.
func evalCondition(cond types.RuleCondition, ctx Context) bool {
	present := ctx.Has(cond.Attribute)

	switch cond.Operator {
	case types.OpIsNull:
		return !present
	case types.OpIsNotNull:
		return present
	}

	if !present {
		return false
	}

	actual := ctx[cond.Attribute]

	switch cond.Operator {
	case types.OpEQ:
		return compareEq(actual, cond.Value)
	case types.OpNEQ:
		return !compareEq(actual, cond.Value)
	case types.OpGT, types.OpLT, types.OpGTE, types.OpLTE:
		return compareOrdered(actual, cond.Operator, cond.Value)
	case types.OpContains:
		return strings.Contains(stringify(actual), cond.Value)
	case types.OpStartsWith:
		return strings.HasPrefix(stringify(actual), cond.Value)
	case types.OpEndsWith:
		return strings.HasSuffix(stringify(actual), cond.Value)
	case types.OpIn:
		return inList(actual, cond.Value)
	case types.OpNotIn:
		return !inList(actual, cond.Value)
	default:
		return false
	}
}

func compareEq(actual any, want string) bool {
	switch v := actual.(type) {
	case bool:
		b, err := strconv.ParseBool(want)
		return err == nil && v == b
	case decimal.Decimal:
		d, err := decimal.NewFromString(want)
		return err == nil && v.Equal(d)
	case int:
		n, err := strconv.Atoi(want)
		return err == nil && v == n
	default:
		return stringify(actual) == want
	}
}

func compareOrdered(actual any, op types.RuleOperator, want string) bool {
	var a decimal.Decimal
	switch v := actual.(type) {
	case decimal.Decimal:
		a = v
	case int:
		a = decimal.NewFromInt(int64(v))
	default:
		return false
	}

	b, err := decimal.NewFromString(want)
	if err != nil {
		return false
	}

	cmp := a.Cmp(b)
	switch op {
	case types.OpGT:
		return cmp > 0
	case types.OpLT:
		return cmp < 0
	case types.OpGTE:
		return cmp >= 0
	case types.OpLTE:
		return cmp <= 0
	}
	return false
}

// inList matches against a comma-separated value list.
func inList(actual any, list string) bool {
	s := stringify(actual)
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == s {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case decimal.Decimal:
		return x.String()
	case types.Date:
		return string(x)
	default:
		return ""
	}
}
