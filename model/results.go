package model

import "time"

// ClinicalWarning is a non-blocking advisory attached to a save result. It is
// surfaced to the caller and never prevents persistence.
type ClinicalWarning struct {
	FieldID string `json:"field_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SaveResult reports the outcome of a field write. A hard validation failure
// sets Success=false and the prior value is retained; warnings never block.
type SaveResult struct {
	Success  bool              `json:"success"`
	FieldID  string            `json:"field_id"`
	Errors   []FieldError      `json:"errors,omitempty"`
	Warnings []ClinicalWarning `json:"warnings,omitempty"`

	// Calculated is the fully recomputed derived state after a successful
	// write.
	Calculated *Calculated `json:"calculated,omitempty"`
}

// Transition decision reason codes mirror the workflow error codes; the
// decision itself is a structured result, never a thrown error, because a
// blocked transition is an expected clinical-safety event.
type TransitionDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	// MissingFields is populated when Reason is MISSING_REQUIRED_FIELDS.
	MissingFields []string `json:"missing_fields,omitempty"`

	// Bypassed is true when the transition succeeded by skipping required
	// field and guard checks on a can_bypass state.
	Bypassed bool `json:"bypassed,omitempty"`

	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
}

// Classification is the triage engine's output for one answer set.
type Classification struct {
	Priority string `json:"priority"`
	// MatchedRule is nil when no rule matched and the schema fallback
	// applied; Fallback is then true so the default is never silent.
	MatchedRule *TriageRule `json:"matched_rule,omitempty"`
	Fallback    bool        `json:"fallback"`
	RuleMatches []RuleMatch `json:"rule_matches"`
}

// ClinicalSummary is a read-only projection of an instance's clinically
// relevant output: danger signs, key measurements, triage result, and
// recommended actions. Producing it never mutates state.
type ClinicalSummary struct {
	InstanceID     string         `json:"instance_id"`
	SchemaID       string         `json:"schema_id"`
	SchemaVersion  string         `json:"schema_version"`
	TriagePriority string         `json:"triage_priority"`
	MatchedRuleID  string         `json:"matched_rule_id,omitempty"`
	DangerSigns    []string       `json:"danger_signs,omitempty"`
	Measurements   map[string]any `json:"measurements,omitempty"`
	Actions        []string       `json:"actions,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// VisibleField is one field of the current projection with its evaluated
// visibility and enablement.
type VisibleField struct {
	Definition FieldDefinition `json:"definition"`
	Value      any             `json:"value,omitempty"`
	Answered   bool            `json:"answered"`
	Enabled    bool            `json:"enabled"`
}

// Projection is the read-only view handed to presentation layers.
type Projection struct {
	Instance        FormInstance   `json:"instance"`
	SchemaName      string         `json:"schema_name"`
	CurrentState    WorkflowState  `json:"current_state"`
	CurrentSection  *Section       `json:"current_section,omitempty"`
	VisibleFields   []VisibleField `json:"visible_fields"`
	ProgressPercent int            `json:"progress_percent"`
	TriagePriority  string         `json:"triage_priority,omitempty"`

	// ValidationErrors names the current state's required fields that are
	// applicable and still unanswered, so the presentation layer can flag them
	// before a transition is even attempted.
	ValidationErrors []FieldError `json:"validation_errors,omitempty"`

	// SchemaWarning is set when the bound schema version is older than the
	// latest manifest entry: the instance remains usable, degraded, and the
	// caller must surface the warning.
	SchemaWarning string `json:"schema_warning,omitempty"`
}

// SyncRecord is one entry in the outbound transfer queue. It references the
// instance by ID; queueing never copies or mutates clinical answers.
type SyncRecord struct {
	InstanceID     string    `json:"instance_id"`
	TriagePriority string    `json:"triage_priority"`
	CompletedAt    time.Time `json:"completed_at"`

	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
}
