// Package workflow decides whether an encounter may move between states. The
// decision is pure: it reads the schema and the instance's answers and returns
// a structured verdict, never mutating either. Persisting an allowed
// transition is the instance manager's job.
package workflow

import (
	"fmt"

	"github.com/pitabwire/afya/internal/condition"
	"github.com/pitabwire/afya/model"
)

// Decide evaluates a requested transition and returns a structured verdict.
//
// Checks run in a fixed order so callers always see the most fundamental
// failure first:
//
//  1. The target must be listed in the current state's allowed transitions.
//  2. Every required field of the current state that is currently applicable
//     must be answered.
//  3. The current state's guard condition, if any, must hold.
//
// On a can_bypass state, checks 2 and 3 are skipped and the verdict is marked
// Bypassed so the caller records the distinct bypass audit event. Check 1 is
// never bypassable: the state graph is structural, not advisory.
func Decide(schema *model.Schema, inst *model.FormInstance, target string) model.TransitionDecision {
	current := schema.State(inst.CurrentStateID)
	if current == nil {
		return model.TransitionDecision{
			Reason:    model.ErrInvalidTransition,
			Message:   fmt.Sprintf("instance is in unknown state %q", inst.CurrentStateID),
			FromState: inst.CurrentStateID,
			ToState:   target,
		}
	}

	decision := model.TransitionDecision{
		FromState: current.ID,
		ToState:   target,
	}

	if !allowed(current, target) {
		decision.Reason = model.ErrInvalidTransition
		decision.Message = fmt.Sprintf("transition from %q to %q is not allowed", current.ID, target)
		return decision
	}

	if current.CanBypass {
		decision.Allowed = true
		decision.Bypassed = true
		return decision
	}

	if missing := MissingRequiredFields(schema, current, inst.Answers); len(missing) > 0 {
		decision.Reason = model.ErrMissingRequiredFields
		decision.Message = fmt.Sprintf("%d required field(s) not answered", len(missing))
		decision.MissingFields = missing
		return decision
	}

	if current.Guard != nil && !condition.Evaluate(&current.Guard.Condition, inst.Answers) {
		decision.Reason = model.ErrGuardRejected
		decision.Message = current.Guard.Message
		return decision
	}

	decision.Allowed = true
	return decision
}

// MissingRequiredFields returns the required fields of a state that are not
// answered, in declaration order. Fields hidden by their visibility condition
// are not applicable and never counted as missing: a question the health
// worker cannot see cannot block them.
func MissingRequiredFields(schema *model.Schema, state *model.WorkflowState, answers map[string]any) []string {
	var missing []string
	for _, fieldID := range state.RequiredFields {
		if !Applicable(schema, fieldID, answers) {
			continue
		}
		if v, ok := answers[fieldID]; !ok || v == nil {
			missing = append(missing, fieldID)
		}
	}
	return missing
}

// MissingForCompletion returns every required field across the whole schema
// that is applicable and unanswered: field-level required flags plus the
// required_fields of every workflow state, not just the final one. A field
// required by an earlier state may never have been revisited, and a bypassed
// state may have skipped its checks entirely; completion is the last gate.
func MissingForCompletion(schema *model.Schema, answers map[string]any) []string {
	required := make(map[string]bool, len(schema.Fields))
	var order []string
	need := func(id string) {
		if !required[id] {
			required[id] = true
			order = append(order, id)
		}
	}
	for i := range schema.Fields {
		if schema.Fields[i].Required {
			need(schema.Fields[i].ID)
		}
	}
	for i := range schema.States {
		for _, id := range schema.States[i].RequiredFields {
			need(id)
		}
	}

	var missing []string
	for _, id := range order {
		if !Applicable(schema, id, answers) {
			continue
		}
		if v, ok := answers[id]; !ok || v == nil {
			missing = append(missing, id)
		}
	}
	return missing
}

// Applicable reports whether a field is currently applicable: defined in the
// schema and visible under the current answers. Calculated fields are outputs
// of the engine, never answered, so they are never applicable as inputs.
func Applicable(schema *model.Schema, fieldID string, answers map[string]any) bool {
	f := schema.Field(fieldID)
	if f == nil {
		return false
	}
	if f.Type == model.FieldTypeCalculated {
		return false
	}
	return condition.Evaluate(f.VisibleIf, answers)
}

// AdjacentTarget resolves the linear-navigation target from a state: the
// allowed transition whose step is nearest to the current one in the requested
// direction. It only picks the target; whether the move is permitted is still
// Decide's call. Returns "" when no allowed transition lies that way.
func AdjacentTarget(schema *model.Schema, current *model.WorkflowState, forward bool) string {
	var best *model.WorkflowState
	for _, t := range current.AllowedTransitions {
		candidate := schema.State(t)
		if candidate == nil {
			continue
		}
		if forward {
			if candidate.Step <= current.Step {
				continue
			}
			if best == nil || candidate.Step < best.Step {
				best = candidate
			}
		} else {
			if candidate.Step >= current.Step {
				continue
			}
			if best == nil || candidate.Step > best.Step {
				best = candidate
			}
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func allowed(state *model.WorkflowState, target string) bool {
	for _, t := range state.AllowedTransitions {
		if t == target {
			return true
		}
	}
	return false
}
