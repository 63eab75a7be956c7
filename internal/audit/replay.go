package audit

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pitabwire/afya/model"
)

// ReplayResult is the state reconstructed from an event trail.
type ReplayResult struct {
	Answers        map[string]any
	CurrentStateID string
	Completed      bool
}

// Replay folds an instance's event trail, in order, into the answers and
// workflow state it implies. Applying Replay to a trail must always reproduce
// the instance the trail was recorded against; the instance manager leans on
// this property, and the property test in this package guards it.
func Replay(events []model.AuditEvent) ReplayResult {
	res := ReplayResult{Answers: make(map[string]any)}

	for _, ev := range events {
		switch ev.Kind {
		case model.AuditFormCreate:
			if ev.Payload != nil {
				if s, ok := ev.Payload["initial_state"].(string); ok {
					res.CurrentStateID = s
				}
			}
		case model.AuditFieldChange:
			res.Answers[ev.FieldID] = ev.NewValue
		case model.AuditStateTransition, model.AuditBypass:
			res.CurrentStateID = ev.ToState
		case model.AuditFormComplete:
			res.Completed = true
		}
	}

	return res
}

// Diverges compares a replay result against a live instance and returns a
// description of the first divergence, or "" when they agree. Calculated
// values are deliberately not compared: they are re-derived from answers, not
// replayed.
func Diverges(res ReplayResult, inst *model.FormInstance) string {
	if res.CurrentStateID != inst.CurrentStateID {
		return fmt.Sprintf("state %q from replay, %q on instance", res.CurrentStateID, inst.CurrentStateID)
	}
	if len(res.Answers) != len(inst.Answers) {
		return fmt.Sprintf("%d answers from replay, %d on instance", len(res.Answers), len(inst.Answers))
	}
	for k, v := range res.Answers {
		live, ok := inst.Answers[k]
		if !ok {
			return fmt.Sprintf("answer %q present in replay, absent on instance", k)
		}
		if !valuesEqual(live, v) {
			return fmt.Sprintf("answer %q is %v from replay, %v on instance", k, v, live)
		}
	}
	return ""
}

// valuesEqual compares two answer values after a JSON round trip. Events and
// instances cross JSON boundaries independently, so an int recorded in memory
// and the float64 it decodes back to are the same answer; an int and the
// string "50" are not.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(jsonNormalize(a), jsonNormalize(b))
}

func jsonNormalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
