// Package triage classifies an answer set into an urgency tier by evaluating
// the schema's triage rules. Classification is a pure derivation: it is
// re-invoked on every field change and must be deterministic and
// side-effect-free.
package triage

import (
	"sort"

	"github.com/pitabwire/afya/internal/condition"
	"github.com/pitabwire/afya/model"
)

// Classify evaluates every rule against the answers and returns the winning
// priority, the matched rule, and the full per-rule trace.
//
// Matching is severity-first, not declaration-order: red rules are checked
// before yellow before green, so a life-threatening sign can never be
// shadowed by an earlier-declared lower-severity rule. Every rule is
// evaluated and recorded in RuleMatches regardless of which rule wins, so a
// downstream reviewer can see exactly why each rule did or did not fire.
//
// When no rule matches, the schema's declared fallback priority applies,
// MatchedRule is nil, and Fallback is set: the default is never silent.
func Classify(rules []model.TriageRule, fallback string, answers map[string]any) model.Classification {
	ordered := make([]*model.TriageRule, 0, len(rules))
	for i := range rules {
		ordered = append(ordered, &rules[i])
	}
	// Stable sort preserves declaration order within a severity tier.
	sort.SliceStable(ordered, func(i, j int) bool {
		return model.SeverityRank(ordered[i].Severity) < model.SeverityRank(ordered[j].Severity)
	})

	result := model.Classification{
		RuleMatches: make([]model.RuleMatch, 0, len(ordered)),
	}

	var winner *model.TriageRule
	for _, rule := range ordered {
		matched := condition.Evaluate(&rule.When, answers)
		result.RuleMatches = append(result.RuleMatches, model.RuleMatch{
			RuleID:        rule.ID,
			Severity:      rule.Severity,
			Matched:       matched,
			ObservedValue: observedValue(&rule.When, answers),
		})
		if matched && winner == nil {
			winner = rule
		}
	}

	if winner != nil {
		result.Priority = winner.Severity
		result.MatchedRule = winner
		return result
	}

	result.Priority = fallback
	result.Fallback = true
	return result
}

// observedValue captures the answer the rule's condition read, for the match
// trace. Single-field conditions record the raw answer; multi-field
// conditions record a field-to-answer snapshot.
func observedValue(c *model.Condition, answers map[string]any) any {
	fields := c.ReferencedFields()
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return answers[fields[0]]
	default:
		snapshot := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := answers[f]; ok {
				snapshot[f] = v
			}
		}
		return snapshot
	}
}
