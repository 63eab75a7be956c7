package model

import "time"

// Form instance status constants.
const (
	InstanceStatusDraft     = "draft"
	InstanceStatusCompleted = "completed"
	InstanceStatusSubmitted = "submitted"
	InstanceStatusSynced    = "synced"
	InstanceStatusError     = "error"
)

// Sync status constants for the outbound transfer leg. No sync transition
// ever deletes or mutates clinical answers.
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSynced  = "synced"
	SyncStatusError   = "error"
)

// Audit event kinds.
const (
	AuditFieldChange     = "field_change"
	AuditStateTransition = "state_transition"
	AuditBypass          = "bypass"
	AuditFormCreate      = "form_create"
	AuditFormComplete    = "form_complete"
)

// FormInstance is one running, answer-bearing execution of a schema for a
// single encounter. It is permanently bound to the (SchemaID, SchemaVersion)
// it was created against.
type FormInstance struct {
	ID            string `json:"id"`
	SchemaID      string `json:"schema_id"`
	SchemaVersion string `json:"schema_version"`

	// PatientRef is an opaque token produced by the identity layer. The
	// engine never interprets or generates it.
	PatientRef string `json:"patient_ref,omitempty"`
	FacilityID string `json:"facility_id,omitempty"`

	CurrentStateID string `json:"current_state_id"`
	Status         string `json:"status"`

	// Answers only grows or overwrites per field ID; a key is never silently
	// dropped.
	Answers map[string]any `json:"answers"`

	Calculated Calculated `json:"calculated"`

	SyncStatus   string `json:"sync_status"`
	SyncAttempts int    `json:"sync_attempts,omitempty"`
	SyncError    string `json:"sync_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`

	// Version supports optimistic locking in the persistence adapter.
	Version int `json:"version"`
}

// Answer returns the answer for a field and whether one has been recorded.
func (fi *FormInstance) Answer(fieldID string) (any, bool) {
	v, ok := fi.Answers[fieldID]
	return v, ok
}

// Calculated holds every derived output of the engine for an instance. It is
// fully recomputed whenever any referenced input changes, never incrementally
// patched.
type Calculated struct {
	// Fields are the derived flags declared by the schema, e.g. danger_sign
	// or fast_breathing, keyed by calculated-field ID.
	Fields map[string]any `json:"fields,omitempty"`

	TriagePriority string `json:"triage_priority,omitempty"`
	// MatchedRuleID is empty when the fallback priority applied.
	MatchedRuleID string `json:"matched_rule_id,omitempty"`
	// Fallback is true when no triage rule matched and the schema's declared
	// fallback priority was used.
	Fallback bool `json:"fallback,omitempty"`

	// RuleMatches records the evaluation of every triage rule, matched or
	// not, for downstream explainability.
	RuleMatches []RuleMatch `json:"rule_matches,omitempty"`
}

// RuleMatch is the per-rule evaluation trace entry.
type RuleMatch struct {
	RuleID        string `json:"rule_id"`
	Severity      string `json:"severity"`
	Matched       bool   `json:"matched"`
	ObservedValue any    `json:"observed_value,omitempty"`
}

// AuditEvent is one immutable entry in an instance's append-only audit trail.
// Events are never mutated or deleted; replaying them from the initial state
// reconstructs the instance's answers and current state.
type AuditEvent struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Kind       string `json:"kind"`

	ActorID  string `json:"actor_id"`
	DeviceID string `json:"device_id"`

	// Field change payload.
	FieldID  string `json:"field_id,omitempty"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`

	// Transition payload, also used by bypass events.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
