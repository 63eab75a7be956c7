package condition

import (
	"testing"

	"github.com/pitabwire/afya/model"
)

func simple(field, op string, value any) model.Condition {
	return model.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_simple_operators(t *testing.T) {
	answers := map[string]any{
		"respiratory_rate": 55.0,
		"fever":            true,
		"symptom":          "cough",
		"notes":            nil,
	}

	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{"eq number match", simple("respiratory_rate", model.OpEq, 55), true},
		{"eq number coerced from string", simple("respiratory_rate", model.OpEq, "55"), true},
		{"eq number mismatch", simple("respiratory_rate", model.OpEq, 54), false},
		{"eq bool match", simple("fever", model.OpEq, true), true},
		{"eq string match", simple("symptom", model.OpEq, "cough"), true},
		{"eq null on undefined answer", simple("missing", model.OpEq, nil), true},
		{"eq null on nil answer", simple("notes", model.OpEq, nil), true},
		{"eq value on undefined answer", simple("missing", model.OpEq, "x"), false},
		{"neq mismatch matches", simple("symptom", model.OpNeq, "wheeze"), true},
		{"neq match does not", simple("symptom", model.OpNeq, "cough"), false},
		{"neq on undefined answer", simple("missing", model.OpNeq, "x"), false},
		{"neq null on answered field", simple("symptom", model.OpNeq, nil), true},
		{"gt true", simple("respiratory_rate", model.OpGt, 50), true},
		{"gt false", simple("respiratory_rate", model.OpGt, 55), false},
		{"gte boundary", simple("respiratory_rate", model.OpGte, 55), true},
		{"lt false", simple("respiratory_rate", model.OpLt, 55), false},
		{"lte boundary", simple("respiratory_rate", model.OpLte, 55), true},
		{"gt on undefined answer", simple("missing", model.OpGt, 10), false},
		{"gt on non-numeric answer", simple("symptom", model.OpGt, 10), false},
		{"gt with non-numeric operand", simple("respiratory_rate", model.OpGt, "high"), false},
		{"in match", simple("symptom", model.OpIn, []any{"cough", "wheeze"}), true},
		{"in mismatch", simple("symptom", model.OpIn, []any{"wheeze"}), false},
		{"in on undefined answer", simple("missing", model.OpIn, []any{"x"}), false},
		{"nin mismatch matches", simple("symptom", model.OpNin, []any{"wheeze"}), true},
		{"nin match does not", simple("symptom", model.OpNin, []any{"cough"}), false},
		{"nin on undefined answer", simple("missing", model.OpNin, []any{"x"}), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(&tc.cond, answers); got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluate_composite(t *testing.T) {
	answers := map[string]any{"a": 1.0, "b": 2.0}

	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{
			"and all true",
			model.Condition{Operator: model.OpAnd, Children: []model.Condition{
				simple("a", model.OpEq, 1), simple("b", model.OpEq, 2),
			}},
			true,
		},
		{
			"and one false",
			model.Condition{Operator: model.OpAnd, Children: []model.Condition{
				simple("a", model.OpEq, 1), simple("b", model.OpEq, 99),
			}},
			false,
		},
		{"and empty is vacuously true", model.Condition{Operator: model.OpAnd}, true},
		{
			"or one true",
			model.Condition{Operator: model.OpOr, Children: []model.Condition{
				simple("a", model.OpEq, 99), simple("b", model.OpEq, 2),
			}},
			true,
		},
		{"or empty is vacuously false", model.Condition{Operator: model.OpOr}, false},
		{
			"not inverts",
			model.Condition{Operator: model.OpNot, Children: []model.Condition{
				simple("a", model.OpEq, 99),
			}},
			true,
		},
		{
			"nested composite",
			model.Condition{Operator: model.OpAnd, Children: []model.Condition{
				{Operator: model.OpOr, Children: []model.Condition{
					simple("a", model.OpEq, 99), simple("a", model.OpEq, 1),
				}},
				{Operator: model.OpNot, Children: []model.Condition{
					simple("b", model.OpGt, 5),
				}},
			}},
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(&tc.cond, answers); got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluate_nil_condition_is_true(t *testing.T) {
	if !Evaluate(nil, map[string]any{}) {
		t.Error("Evaluate(nil) = false, want true")
	}
}

func TestEvaluate_is_deterministic(t *testing.T) {
	cond := model.Condition{Operator: model.OpOr, Children: []model.Condition{
		simple("danger", model.OpEq, true),
		{Operator: model.OpAnd, Children: []model.Condition{
			simple("rate", model.OpGte, 50),
			simple("age", model.OpLt, 12),
		}},
	}}
	answers := map[string]any{"rate": 55.0, "age": 10.0}

	first := Evaluate(&cond, answers)
	for i := 0; i < 100; i++ {
		if got := Evaluate(&cond, answers); got != first {
			t.Fatalf("Evaluate() changed between runs: %v then %v", first, got)
		}
	}
	if !first {
		t.Error("Evaluate() = false, want true")
	}
}

func TestEvaluate_does_not_mutate_answers(t *testing.T) {
	answers := map[string]any{"rate": 55.0}
	cond := simple("missing", model.OpEq, nil)
	Evaluate(&cond, answers)
	if len(answers) != 1 {
		t.Errorf("answer set mutated: %v", answers)
	}
}

func TestValidateShape(t *testing.T) {
	tests := []struct {
		name    string
		cond    model.Condition
		wantOK  bool
	}{
		{"valid simple", simple("a", model.OpEq, 1), true},
		{"valid composite", model.Condition{Operator: model.OpAnd, Children: []model.Condition{simple("a", model.OpEq, 1)}}, true},
		{"unknown operator", simple("a", "matches", 1), false},
		{"simple without field", model.Condition{Operator: model.OpEq, Value: 1}, false},
		{"simple with children", model.Condition{Field: "a", Operator: model.OpEq, Children: []model.Condition{simple("b", model.OpEq, 1)}}, false},
		{"composite with field", model.Condition{Field: "a", Operator: model.OpAnd}, false},
		{"not with two children", model.Condition{Operator: model.OpNot, Children: []model.Condition{simple("a", model.OpEq, 1), simple("b", model.OpEq, 1)}}, false},
		{"in without list", simple("a", model.OpIn, "x"), false},
		{"in with list", simple("a", model.OpIn, []any{"x"}), true},
		{"nested invalid child", model.Condition{Operator: model.OpOr, Children: []model.Condition{{Operator: "bogus", Field: "a"}}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			problem := ValidateShape(&tc.cond)
			if (problem == "") != tc.wantOK {
				t.Errorf("ValidateShape() = %q, want ok=%v", problem, tc.wantOK)
			}
		})
	}
}
