// Package audit builds and replays the append-only event trail of an
// encounter. Events are immutable once written; there is no update or delete
// path anywhere in this package on purpose.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/afya/model"
)

// NewFormCreate records the creation of an instance against a pinned schema
// version.
func NewFormCreate(actor *model.ActorContext, inst *model.FormInstance, at time.Time) model.AuditEvent {
	ev := stamp(actor, inst.ID, model.AuditFormCreate, at)
	ev.Payload = map[string]any{
		"schema_id":      inst.SchemaID,
		"schema_version": inst.SchemaVersion,
		"initial_state":  inst.CurrentStateID,
	}
	return ev
}

// NewFieldChange records one answer write, carrying both the old and new value
// so the trail replays deterministically and a reviewer can see what changed.
func NewFieldChange(actor *model.ActorContext, instanceID, fieldID string, oldValue, newValue any, at time.Time) model.AuditEvent {
	ev := stamp(actor, instanceID, model.AuditFieldChange, at)
	ev.FieldID = fieldID
	ev.OldValue = oldValue
	ev.NewValue = newValue
	return ev
}

// NewStateTransition records a successful workflow transition.
func NewStateTransition(actor *model.ActorContext, instanceID, from, to string, at time.Time) model.AuditEvent {
	ev := stamp(actor, instanceID, model.AuditStateTransition, at)
	ev.FromState = from
	ev.ToState = to
	return ev
}

// NewBypass records a transition that skipped required-field and guard checks.
// It is a separate event kind, not a flag on the transition, so skipped safety
// checks are directly queryable during review.
func NewBypass(actor *model.ActorContext, instanceID, from, to string, skipped []string, at time.Time) model.AuditEvent {
	ev := stamp(actor, instanceID, model.AuditBypass, at)
	ev.FromState = from
	ev.ToState = to
	if len(skipped) > 0 {
		ev.Payload = map[string]any{"skipped_required_fields": skipped}
	}
	return ev
}

// NewFormComplete records completion, including the final triage outcome so
// the trail alone tells the clinical story.
func NewFormComplete(actor *model.ActorContext, inst *model.FormInstance, at time.Time) model.AuditEvent {
	ev := stamp(actor, inst.ID, model.AuditFormComplete, at)
	ev.Payload = map[string]any{
		"triage_priority": inst.Calculated.TriagePriority,
		"matched_rule_id": inst.Calculated.MatchedRuleID,
		"fallback":        inst.Calculated.Fallback,
	}
	return ev
}

func stamp(actor *model.ActorContext, instanceID, kind string, at time.Time) model.AuditEvent {
	ev := model.AuditEvent{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Kind:       kind,
		Timestamp:  at.UTC(),
	}
	if actor != nil {
		ev.ActorID = actor.ActorID
		ev.DeviceID = actor.DeviceID
	}
	return ev
}
