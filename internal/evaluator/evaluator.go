package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stratoguard/cspm/internal/models"
)

// CheckResult is the outcome of evaluating one check against one resource.
type CheckResult struct {
	Passed   bool
	Actual   interface{}
	Evidence string
}

// EvaluateCheck resolves the check's property path against the resource
// configuration and applies the condition. It never returns an error:
// data-shape mismatches and coercion failures resolve to Passed=false
// with the reason recorded in Evidence, so one malformed resource cannot
// abort a batch.
func EvaluateCheck(resource *models.Resource, check models.RuleCheck) CheckResult {
	actual := ResolvePath(resource.Configuration, check.PropertyPath)

	switch check.Condition {
	case models.ConditionExists:
		return evalExists(check, actual)
	case models.ConditionNotExists:
		res := evalExists(check, actual)
		res.Passed = !res.Passed
		return res
	case models.ConditionEquals:
		return evalEquals(check, actual, false)
	case models.ConditionNotEquals:
		return evalEquals(check, actual, true)
	case models.ConditionContains:
		return evalContains(check, actual, false)
	case models.ConditionNotContains:
		return evalContains(check, actual, true)
	case models.ConditionRegex:
		return evalRegex(check, actual)
	default:
		// Unknown kinds are rejected at load time; reaching here means a
		// rule bypassed validation. Fail closed rather than panic.
		return CheckResult{
			Passed:   false,
			Actual:   actual,
			Evidence: fmt.Sprintf("unsupported condition %q", check.Condition),
		}
	}
}

// ValidateRule rejects rules that could not be evaluated: unknown
// condition kinds, empty property paths, and regex checks whose pattern
// does not compile. Called when a rule set is loaded, not per evaluation.
func ValidateRule(rule *models.RuleDefinition) error {
	if rule.RuleID == "" {
		return fmt.Errorf("rule has no id")
	}
	if len(rule.Checks) == 0 {
		return fmt.Errorf("rule %s has no checks", rule.RuleID)
	}
	for i, check := range rule.Checks {
		if check.PropertyPath == "" {
			return fmt.Errorf("rule %s check %d: empty property path", rule.RuleID, i)
		}
		if _, err := models.ParseCondition(string(check.Condition)); err != nil {
			return fmt.Errorf("rule %s check %d: %w", rule.RuleID, i, err)
		}
		if check.Condition == models.ConditionRegex {
			pattern, ok := check.Value.(string)
			if !ok {
				return fmt.Errorf("rule %s check %d: regex value must be a string", rule.RuleID, i)
			}
			if _, err := regexp.Compile("(?i)" + pattern); err != nil {
				return fmt.Errorf("rule %s check %d: invalid regex %q: %w", rule.RuleID, i, pattern, err)
			}
		}
	}
	return nil
}

func evalExists(check models.RuleCheck, actual interface{}) CheckResult {
	present := !IsAbsent(actual) && actual != nil
	evidence := fmt.Sprintf("property %q is absent", check.PropertyPath)
	if present {
		evidence = fmt.Sprintf("property %q is present", check.PropertyPath)
	}
	return CheckResult{Passed: present, Actual: actual, Evidence: evidence}
}

func evalEquals(check models.RuleCheck, actual interface{}, negate bool) CheckResult {
	if IsAbsent(actual) {
		// An absent value equals nothing.
		return CheckResult{
			Passed:   negate,
			Actual:   actual,
			Evidence: fmt.Sprintf("property %q is absent", check.PropertyPath),
		}
	}

	equal := looseEqual(actual, check.Value)
	passed := equal != negate
	return CheckResult{
		Passed:   passed,
		Actual:   actual,
		Evidence: fmt.Sprintf("actual value %v, expected %v", actual, check.Value),
	}
}

func evalContains(check models.RuleCheck, actual interface{}, negate bool) CheckResult {
	// NOT_CONTAINS on an absent value is vacuously true.
	if IsAbsent(actual) || actual == nil {
		return CheckResult{
			Passed:   negate,
			Actual:   actual,
			Evidence: fmt.Sprintf("property %q is absent", check.PropertyPath),
		}
	}

	var contains bool
	switch v := actual.(type) {
	case string:
		contains = strings.Contains(v, stringify(check.Value))
	case []interface{}:
		for _, item := range v {
			if looseEqual(item, check.Value) {
				contains = true
				break
			}
		}
	case []string:
		want := stringify(check.Value)
		for _, item := range v {
			if item == want {
				contains = true
				break
			}
		}
	default:
		// Containment is undefined for scalars and maps; the check fails
		// either way with the shape mismatch recorded.
		return CheckResult{
			Passed:   false,
			Actual:   actual,
			Evidence: fmt.Sprintf("property %q is %T, not a string or array", check.PropertyPath, actual),
		}
	}

	return CheckResult{
		Passed:   contains != negate,
		Actual:   actual,
		Evidence: fmt.Sprintf("value %v, searched for %v", actual, check.Value),
	}
}

func evalRegex(check models.RuleCheck, actual interface{}) CheckResult {
	pattern, ok := check.Value.(string)
	if !ok {
		return CheckResult{
			Passed:   false,
			Actual:   actual,
			Evidence: fmt.Sprintf("regex value %v is not a string", check.Value),
		}
	}

	// Case-insensitive by default, matching the rule catalog convention.
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return CheckResult{
			Passed:   false,
			Actual:   actual,
			Evidence: fmt.Sprintf("invalid regex %q: %v", pattern, err),
		}
	}

	if IsAbsent(actual) {
		return CheckResult{
			Passed:   false,
			Actual:   actual,
			Evidence: fmt.Sprintf("property %q is absent", check.PropertyPath),
		}
	}

	subject := stringify(actual)
	return CheckResult{
		Passed:   re.MatchString(subject),
		Actual:   actual,
		Evidence: fmt.Sprintf("value %q matched against %q", subject, pattern),
	}
}

// looseEqual compares two values with one round of numeric/string
// coercion; if neither side coerces, it falls back to strict equality
// on the string forms of identical types.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}

	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
	}

	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
		if bs, bok := b.(string); bok {
			if parsed, err := strconv.ParseBool(bs); err == nil {
				return ab == parsed
			}
		}
	}
	if bb, bok := b.(bool); bok {
		if as, aok := a.(string); aok {
			if parsed, err := strconv.ParseBool(as); err == nil {
				return parsed == bb
			}
		}
	}

	return stringify(a) == stringify(b)
}

// toFloat coerces JSON-decoded numerics and numeric strings.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
