package instance

import (
	"github.com/pitabwire/afya/internal/condition"
	"github.com/pitabwire/afya/internal/triage"
	"github.com/pitabwire/afya/internal/workflow"
	"github.com/pitabwire/afya/model"
)

// Derive recomputes every calculated output of a schema from scratch for the
// given answers: derived flags first, then the triage classification over the
// combined scope, so triage rules may reference derived flags. Derivation is
// pure and full, never an incremental patch; any answer change invalidates
// the whole calculated block.
//
// Answers whose fields are hidden under the current visibility conditions are
// retained on the instance but excluded from the derivation scope: a reading
// the health worker can no longer see must never drive a classification.
func Derive(s *model.Schema, answers map[string]any) model.Calculated {
	visible := make(map[string]any, len(answers))
	for k, v := range answers {
		if workflow.Applicable(s, k, answers) {
			visible[k] = v
		}
	}

	scope := make(map[string]any, len(visible)+len(s.Calculated))
	for k, v := range visible {
		scope[k] = v
	}

	var fields map[string]any
	if len(s.Calculated) > 0 {
		fields = make(map[string]any, len(s.Calculated))
		for i := range s.Calculated {
			cf := &s.Calculated[i]
			v := deriveOne(cf, visible)
			fields[cf.ID] = v
			scope[cf.ID] = v
		}
	}

	cls := triage.Classify(s.TriageRules, s.FallbackPriority, scope)

	calc := model.Calculated{
		Fields:         fields,
		TriagePriority: cls.Priority,
		Fallback:       cls.Fallback,
		RuleMatches:    cls.RuleMatches,
	}
	if cls.MatchedRule != nil {
		calc.MatchedRuleID = cls.MatchedRule.ID
	}
	return calc
}

// deriveOne computes a single derived flag. Condition derivations follow the
// evaluator's undefined-answer semantics. Threshold derivations are false
// whenever the age or source value is missing or non-numeric: an unanswerable
// comparison never asserts a clinical finding.
func deriveOne(cf *model.CalculatedFieldDefinition, answers map[string]any) bool {
	if cf.When != nil {
		return condition.Evaluate(cf.When, answers)
	}

	age, ok := numericAnswer(answers, cf.AgeField)
	if !ok {
		return false
	}
	source, ok := numericAnswer(answers, cf.Source)
	if !ok {
		return false
	}

	for _, t := range cf.Thresholds {
		if t.MinAgeMonths != nil && age < *t.MinAgeMonths {
			continue
		}
		if t.MaxAgeMonths != nil && age >= *t.MaxAgeMonths {
			continue
		}
		return source >= t.GTE
	}
	return false
}

func numericAnswer(answers map[string]any, fieldID string) (float64, bool) {
	v, ok := answers[fieldID]
	if !ok {
		return 0, false
	}
	return asFloat(v)
}
