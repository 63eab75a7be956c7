// Package condition evaluates recursive condition trees against an answer
// set. Evaluation is pure, total, and deterministic: it is called on every
// keystroke, so it never allocates surprisingly, never touches I/O, and never
// returns an error. Malformed trees are rejected as schema errors at load
// time, before evaluation can see them.
package condition

import (
	"strconv"

	"github.com/pitabwire/afya/model"
)

// Evaluate returns the boolean value of a validated condition tree against
// the given answers.
//
// Undefined answers follow the protocol semantics: eq matches an undefined
// answer only when the compared value is explicitly null; neq never matches
// an undefined answer; ordering operators are false whenever either operand
// is not numeric. Composite operators short-circuit left to right; and over
// an empty child list is vacuously true, or is vacuously false.
func Evaluate(c *model.Condition, answers map[string]any) bool {
	if c == nil {
		return true
	}

	switch c.Operator {
	case model.OpAnd:
		for i := range c.Children {
			if !Evaluate(&c.Children[i], answers) {
				return false
			}
		}
		return true
	case model.OpOr:
		for i := range c.Children {
			if Evaluate(&c.Children[i], answers) {
				return true
			}
		}
		return false
	case model.OpNot:
		// Validation guarantees exactly one child.
		if len(c.Children) == 0 {
			return false
		}
		return !Evaluate(&c.Children[0], answers)
	}

	answer, answered := answers[c.Field]
	return evaluateSimple(c.Operator, answer, answered, c.Value)
}

func evaluateSimple(op string, answer any, answered bool, value any) bool {
	switch op {
	case model.OpEq:
		if !answered || answer == nil {
			return value == nil
		}
		return looseEqual(answer, value)
	case model.OpNeq:
		if !answered || answer == nil {
			// Undefined is non-matching for neq; neq null on an undefined
			// answer is also false, consistent with eq null being true.
			return false
		}
		if value == nil {
			return true
		}
		return !looseEqual(answer, value)
	case model.OpGt, model.OpLt, model.OpGte, model.OpLte:
		if !answered {
			return false
		}
		a, aok := toFloat(answer)
		b, bok := toFloat(value)
		if !aok || !bok {
			return false
		}
		switch op {
		case model.OpGt:
			return a > b
		case model.OpLt:
			return a < b
		case model.OpGte:
			return a >= b
		default:
			return a <= b
		}
	case model.OpIn:
		if !answered {
			return false
		}
		return containsLoose(value, answer)
	case model.OpNin:
		if !answered {
			return false
		}
		return !containsLoose(value, answer)
	}
	// Unknown operators cannot occur on validated trees.
	return false
}

// looseEqual compares two answer values with numeric coercion, so 50 and
// 50.0 and "50" compare equal regardless of how the answer was serialized.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if ab, aok := toBool(a); aok {
		if bb, bok := toBool(b); bok {
			return ab == bb
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

// containsLoose reports whether list (a []any or []string) contains v under
// loose equality.
func containsLoose(list any, v any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if looseEqual(v, item) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if looseEqual(v, item) {
				return true
			}
		}
	}
	return false
}

// toFloat coerces numeric types and numeric strings to float64.
func toFloat(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toBool coerces booleans only. String forms are deliberately not coerced:
// "true" as an answer to a text field is text, not a flag.
func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// ValidateShape checks a condition tree's structure and returns a
// human-readable problem description, or "" when the tree is well formed.
// Called by the schema validator so Evaluate only ever sees valid trees.
func ValidateShape(c *model.Condition) string {
	if c == nil {
		return ""
	}

	if c.IsComposite() {
		if c.Field != "" || c.Value != nil {
			return "composite condition must not set field or value"
		}
		if c.Operator == model.OpNot && len(c.Children) != 1 {
			return "not condition must have exactly one child"
		}
		for i := range c.Children {
			if problem := ValidateShape(&c.Children[i]); problem != "" {
				return problem
			}
		}
		return ""
	}

	if !model.SimpleOperators[c.Operator] {
		return "unknown condition operator " + strconv.Quote(c.Operator)
	}
	if c.Field == "" {
		return "simple condition must reference a field"
	}
	if len(c.Children) != 0 {
		return "simple condition must not have children"
	}
	if c.Operator == model.OpIn || c.Operator == model.OpNin {
		switch c.Value.(type) {
		case []any, []string:
		default:
			return c.Operator + " condition value must be a list"
		}
	}
	return ""
}
