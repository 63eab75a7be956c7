// Package model contains the shared types of the encounter engine: protocol
// schemas, form instances, audit events, structured results, and errors.
package model

// Field type constants. The set is closed: a schema declaring any other type
// is rejected at load time.
const (
	FieldTypeText       = "text"
	FieldTypeNumber     = "number"
	FieldTypeBoolean    = "boolean"
	FieldTypeSelect     = "select"
	FieldTypeRadio      = "radio"
	FieldTypeCheckbox   = "checkbox"
	FieldTypeDate       = "date"
	FieldTypeTime       = "time"
	FieldTypeTimer      = "timer"
	FieldTypeCalculated = "calculated"
	FieldTypeTextarea   = "textarea"
)

// ValidFieldTypes is the closed set of field types a schema may declare.
var ValidFieldTypes = map[string]bool{
	FieldTypeText: true, FieldTypeNumber: true, FieldTypeBoolean: true,
	FieldTypeSelect: true, FieldTypeRadio: true, FieldTypeCheckbox: true,
	FieldTypeDate: true, FieldTypeTime: true, FieldTypeTimer: true,
	FieldTypeCalculated: true, FieldTypeTextarea: true,
}

// Triage priority tiers, ordered by severity.
const (
	PriorityRed    = "red"
	PriorityYellow = "yellow"
	PriorityGreen  = "green"
)

// SeverityRank returns the sort rank of a triage priority. Lower rank is more
// urgent. Unknown priorities rank after green so they are never silently
// promoted ahead of a classified case.
func SeverityRank(priority string) int {
	switch priority {
	case PriorityRed:
		return 0
	case PriorityYellow:
		return 1
	case PriorityGreen:
		return 2
	default:
		return 3
	}
}

// Schema is a versioned, declarative description of a clinical encounter:
// its fields, sections, workflow states, and triage rules. A schema is
// immutable once published and is identified by (ID, Version). A running
// instance is permanently bound to the exact (ID, Version) it was created
// against.
type Schema struct {
	ID            string `yaml:"id"              json:"id"`
	Version       string `yaml:"version"         json:"version"`
	Name          string `yaml:"name"            json:"name"`
	Protocol      string `yaml:"protocol"        json:"protocol,omitempty"`
	MinAppVersion string `yaml:"min_app_version" json:"min_app_version,omitempty"`

	// AgeRange is clinical metadata restricting the protocol's applicability.
	AgeRange *AgeRange `yaml:"age_range" json:"age_range,omitempty"`

	Fields   []FieldDefinition `yaml:"fields"   json:"fields"`
	Sections []Section         `yaml:"sections" json:"sections"`
	States   []WorkflowState   `yaml:"states"   json:"states"`

	TriageRules []TriageRule `yaml:"triage_rules" json:"triage_rules"`
	// FallbackPriority applies when no triage rule matches. The classification
	// result flags the fallback explicitly; it is never a silent default.
	FallbackPriority string `yaml:"fallback_priority" json:"fallback_priority"`

	Calculated []CalculatedFieldDefinition `yaml:"calculated" json:"calculated,omitempty"`

	// Checksum is the SHA-256 of the raw schema document, computed at load
	// time. SourceFile records the originating file path.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// Key returns the registry key for a schema, combining ID and version.
func (s *Schema) Key() string {
	return SchemaKey(s.ID, s.Version)
}

// SchemaKey builds the canonical "id@version" registry key.
func SchemaKey(id, version string) string {
	return id + "@" + version
}

// Field returns the field definition with the given ID, or nil.
func (s *Schema) Field(fieldID string) *FieldDefinition {
	for i := range s.Fields {
		if s.Fields[i].ID == fieldID {
			return &s.Fields[i]
		}
	}
	return nil
}

// State returns the workflow state with the given ID, or nil.
func (s *Schema) State(stateID string) *WorkflowState {
	for i := range s.States {
		if s.States[i].ID == stateID {
			return &s.States[i]
		}
	}
	return nil
}

// InitialState returns the state with the lowest declared step number.
// Validation guarantees at least one state exists.
func (s *Schema) InitialState() *WorkflowState {
	if len(s.States) == 0 {
		return nil
	}
	initial := &s.States[0]
	for i := range s.States {
		if s.States[i].Step < initial.Step {
			initial = &s.States[i]
		}
	}
	return initial
}

// IsTerminal reports whether the given state is terminal: a state that is not
// the source of any outgoing transition.
func (s *Schema) IsTerminal(stateID string) bool {
	st := s.State(stateID)
	if st == nil {
		return false
	}
	return len(st.AllowedTransitions) == 0
}

// AgeRange restricts a protocol to an age band, in months.
type AgeRange struct {
	MinMonths float64 `yaml:"min_months" json:"min_months"`
	MaxMonths float64 `yaml:"max_months" json:"max_months"`
}

// FieldDefinition describes one question in the encounter.
type FieldDefinition struct {
	ID    string `yaml:"id"    json:"id"`
	Type  string `yaml:"type"  json:"type"`
	Label string `yaml:"label" json:"label"`
	Unit  string `yaml:"unit"  json:"unit,omitempty"`

	// VisibleIf and EnabledIf are evaluated against the current answer set on
	// every write. An absent condition means always visible/enabled.
	VisibleIf *Condition `yaml:"visible_if" json:"visible_if,omitempty"`
	EnabledIf *Condition `yaml:"enabled_if" json:"enabled_if,omitempty"`

	Required        bool   `yaml:"required"         json:"required,omitempty"`
	RequiredMessage string `yaml:"required_message" json:"required_message,omitempty"`

	Constraints *FieldConstraints   `yaml:"constraints" json:"constraints,omitempty"`
	Annotation  *ClinicalAnnotation `yaml:"annotation"  json:"annotation,omitempty"`
}

// FieldConstraints hold type-specific validation rules. Min/Max apply to
// number and timer fields; MinLength/MaxLength and Pattern to text fields;
// Options to select, radio, and checkbox fields.
type FieldConstraints struct {
	Min       *float64 `yaml:"min"        json:"min,omitempty"`
	Max       *float64 `yaml:"max"        json:"max,omitempty"`
	MinLength *int     `yaml:"min_length" json:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length" json:"max_length,omitempty"`
	Pattern   string   `yaml:"pattern"    json:"pattern,omitempty"`
	Options   []string `yaml:"options"    json:"options,omitempty"`

	// WarnBelow/WarnAbove produce non-blocking clinical warnings; they never
	// prevent a save.
	WarnBelow   *float64 `yaml:"warn_below"   json:"warn_below,omitempty"`
	WarnAbove   *float64 `yaml:"warn_above"   json:"warn_above,omitempty"`
	WarnMessage string   `yaml:"warn_message" json:"warn_message,omitempty"`
}

// ClinicalAnnotation carries display-only guidance for the health worker.
// The engine never interprets it.
type ClinicalAnnotation struct {
	HelpText  string `yaml:"help_text" json:"help_text,omitempty"`
	Reference string `yaml:"reference" json:"reference,omitempty"`
}

// Section groups fields for presentation and progress reporting.
type Section struct {
	ID     string   `yaml:"id"     json:"id"`
	Title  string   `yaml:"title"  json:"title"`
	Fields []string `yaml:"fields" json:"fields"`
	// StateID binds a section to the workflow state during which it is shown.
	StateID string `yaml:"state_id" json:"state_id,omitempty"`
}

// WorkflowState is one named step of the encounter workflow.
type WorkflowState struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	Step int    `yaml:"step" json:"step"`

	AllowedTransitions []string `yaml:"allowed_transitions" json:"allowed_transitions,omitempty"`
	RequiredFields     []string `yaml:"required_fields"     json:"required_fields,omitempty"`

	Guard *TransitionGuard `yaml:"guard" json:"guard,omitempty"`

	// CanBypass lets a clinician skip required-field and guard checks for this
	// state. Every bypass is recorded as a distinct audit event so skipped
	// safety checks remain reviewable.
	CanBypass bool `yaml:"can_bypass" json:"can_bypass,omitempty"`
}

// TransitionGuard blocks leaving a state unless its condition holds. The
// message is shown to the health worker verbatim, so schemas must phrase it
// as an actionable clinical instruction.
type TransitionGuard struct {
	Condition Condition `yaml:"condition" json:"condition"`
	Message   string    `yaml:"message"   json:"message"`
}

// TriageRule classifies an answer set into an urgency tier. Rules are matched
// severity-first (red before yellow before green) regardless of declaration
// order, so a danger sign can never be shadowed by an earlier lower-severity
// rule.
type TriageRule struct {
	ID       string    `yaml:"id"       json:"id"`
	Severity string    `yaml:"severity" json:"severity"`
	When     Condition `yaml:"when"     json:"when"`
	Actions  []string  `yaml:"actions"  json:"actions,omitempty"`
	Label    string    `yaml:"label"    json:"label,omitempty"`
}

// CalculatedFieldDefinition derives a flag from the answer set. Exactly one
// of When or Thresholds is set: When derives a boolean from a condition tree;
// Thresholds derives one from an age-banded numeric comparison against the
// Source field.
type CalculatedFieldDefinition struct {
	ID         string         `yaml:"id"         json:"id"`
	When       *Condition     `yaml:"when"       json:"when,omitempty"`
	Source     string         `yaml:"source"     json:"source,omitempty"`
	AgeField   string         `yaml:"age_field"  json:"age_field,omitempty"`
	Thresholds []AgeThreshold `yaml:"thresholds" json:"thresholds,omitempty"`
}

// AgeThreshold is one band of an age-adjusted numeric threshold. The band
// matches when age (months) is within [MinAgeMonths, MaxAgeMonths) and the
// source value is at or above GTE.
type AgeThreshold struct {
	MinAgeMonths *float64 `yaml:"min_age_months" json:"min_age_months,omitempty"`
	MaxAgeMonths *float64 `yaml:"max_age_months" json:"max_age_months,omitempty"`
	GTE          float64  `yaml:"gte"            json:"gte"`
}
