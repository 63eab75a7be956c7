package schema

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/afya/internal/condition"
	"github.com/pitabwire/afya/model"
)

// VError describes a single validation error in a schema.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates schemas structurally and referentially. Any error is
// fatal for the schema: it is excluded from the registry and instance creation
// against it is refused. A half-understood clinical protocol is worse than an
// absent one.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all schemas and returns every problem found.
func (v *Validator) Validate(schemas []model.Schema) []VError {
	var errs []VError
	for i := range schemas {
		prefix := fmt.Sprintf("schemas[%d]", i)
		errs = append(errs, v.ValidateSchema(prefix, &schemas[i])...)
	}
	return errs
}

// ValidateSchema checks a single schema.
func (v *Validator) ValidateSchema(prefix string, s *model.Schema) []VError {
	var errs []VError

	if s.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if s.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if s.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if s.FallbackPriority == "" {
		errs = append(errs, VError{Path: prefix + ".fallback_priority", Code: "REQUIRED", Message: "fallback_priority is required"})
	} else if !validSeverity(s.FallbackPriority) {
		errs = append(errs, VError{
			Path:    prefix + ".fallback_priority",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("invalid priority %q", s.FallbackPriority),
		})
	}

	// Referenceable IDs: declared fields plus calculated outputs. Conditions
	// and triage rules may read either.
	fieldIDs := make(map[string]bool, len(s.Fields))
	refIDs := make(map[string]bool, len(s.Fields)+len(s.Calculated))
	for i := range s.Fields {
		f := &s.Fields[i]
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if f.ID == "" {
			errs = append(errs, VError{Path: fp + ".id", Code: "REQUIRED", Message: "field id is required"})
			continue
		}
		if fieldIDs[f.ID] {
			errs = append(errs, VError{Path: fp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate field id %q", f.ID)})
		}
		fieldIDs[f.ID] = true
		refIDs[f.ID] = true
	}
	for i, c := range s.Calculated {
		cp := fmt.Sprintf("%s.calculated[%d]", prefix, i)
		if c.ID == "" {
			errs = append(errs, VError{Path: cp + ".id", Code: "REQUIRED", Message: "calculated field id is required"})
			continue
		}
		if refIDs[c.ID] {
			errs = append(errs, VError{Path: cp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("calculated field id %q collides", c.ID)})
		}
		refIDs[c.ID] = true
	}

	for i := range s.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		errs = append(errs, v.validateField(fp, &s.Fields[i], refIDs)...)
	}
	errs = append(errs, v.validateVisibilityGraph(prefix, s)...)

	for i, sec := range s.Sections {
		sp := fmt.Sprintf("%s.sections[%d]", prefix, i)
		errs = append(errs, v.validateSection(sp, sec, fieldIDs, s)...)
	}

	errs = append(errs, v.validateStates(prefix, s, fieldIDs)...)

	for i := range s.TriageRules {
		rp := fmt.Sprintf("%s.triage_rules[%d]", prefix, i)
		errs = append(errs, v.validateTriageRule(rp, &s.TriageRules[i], refIDs)...)
	}

	for i := range s.Calculated {
		cp := fmt.Sprintf("%s.calculated[%d]", prefix, i)
		errs = append(errs, v.validateCalculated(cp, &s.Calculated[i], fieldIDs)...)
	}

	return errs
}

func (v *Validator) validateField(prefix string, f *model.FieldDefinition, refIDs map[string]bool) []VError {
	var errs []VError

	if f.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "field type is required"})
	} else if !model.ValidFieldTypes[f.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid field type %q", f.Type)})
	}
	if f.Label == "" && f.Type != model.FieldTypeCalculated {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}

	errs = append(errs, v.validateCondition(prefix+".visible_if", f.VisibleIf, refIDs)...)
	errs = append(errs, v.validateCondition(prefix+".enabled_if", f.EnabledIf, refIDs)...)

	if f.Constraints != nil {
		errs = append(errs, v.validateConstraints(prefix+".constraints", f, f.Constraints)...)
	}

	switch f.Type {
	case model.FieldTypeSelect, model.FieldTypeRadio, model.FieldTypeCheckbox:
		if f.Constraints == nil || len(f.Constraints.Options) == 0 {
			errs = append(errs, VError{
				Path:    prefix + ".constraints.options",
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s field requires options", f.Type),
			})
		}
	}

	return errs
}

func (v *Validator) validateConstraints(prefix string, f *model.FieldDefinition, c *model.FieldConstraints) []VError {
	var errs []VError

	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		errs = append(errs, VError{Path: prefix, Code: "RANGE", Message: "min must not exceed max"})
	}
	if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
		errs = append(errs, VError{Path: prefix, Code: "RANGE", Message: "min_length must not exceed max_length"})
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			errs = append(errs, VError{Path: prefix + ".pattern", Code: "INVALID_PATTERN", Message: err.Error()})
		}
	}
	if c.WarnBelow != nil || c.WarnAbove != nil {
		if f.Type != model.FieldTypeNumber && f.Type != model.FieldTypeTimer {
			errs = append(errs, VError{
				Path:    prefix,
				Code:    "TYPE_MISMATCH",
				Message: "warn thresholds apply only to number and timer fields",
			})
		}
	}

	return errs
}

func (v *Validator) validateCondition(prefix string, c *model.Condition, refIDs map[string]bool) []VError {
	if c == nil {
		return nil
	}

	var errs []VError
	if problem := condition.ValidateShape(c); problem != "" {
		errs = append(errs, VError{Path: prefix, Code: "INVALID_CONDITION", Message: problem})
		return errs
	}
	for _, ref := range c.ReferencedFields() {
		if !refIDs[ref] {
			errs = append(errs, VError{
				Path:    prefix,
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("condition references unknown field %q", ref),
			})
		}
	}
	return errs
}

// validateVisibilityGraph rejects cycles in visible_if/enabled_if dependencies,
// including self-reference. A field whose visibility depends on itself can
// flicker between states on re-evaluation; the engine refuses to guess.
func (v *Validator) validateVisibilityGraph(prefix string, s *model.Schema) []VError {
	deps := make(map[string][]string, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		var refs []string
		if f.VisibleIf != nil {
			refs = append(refs, f.VisibleIf.ReferencedFields()...)
		}
		if f.EnabledIf != nil {
			refs = append(refs, f.EnabledIf.ReferencedFields()...)
		}
		deps[f.ID] = refs
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}

	var errs []VError
	for i := range s.Fields {
		id := s.Fields[i].ID
		if state[id] == unvisited && visit(id) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.fields[%d].visible_if", prefix, i),
				Code:    "CIRCULAR_REFERENCE",
				Message: fmt.Sprintf("field %q participates in a visibility dependency cycle", id),
			})
		}
	}
	return errs
}

func (v *Validator) validateSection(prefix string, sec model.Section, fieldIDs map[string]bool, s *model.Schema) []VError {
	var errs []VError

	if sec.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "section id is required"})
	}
	for j, fid := range sec.Fields {
		if !fieldIDs[fid] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.fields[%d]", prefix, j),
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("field %q not found", fid),
			})
		}
	}
	if sec.StateID != "" && s.State(sec.StateID) == nil {
		errs = append(errs, VError{
			Path:    prefix + ".state_id",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("state %q not found", sec.StateID),
		})
	}

	return errs
}

func (v *Validator) validateStates(prefix string, s *model.Schema, fieldIDs map[string]bool) []VError {
	var errs []VError

	if len(s.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
		return errs
	}

	stateIDs := make(map[string]bool, len(s.States))
	steps := make(map[int]string, len(s.States))
	terminal := false

	for i := range s.States {
		st := &s.States[i]
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)

		if st.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "state id is required"})
			continue
		}
		if stateIDs[st.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate state id %q", st.ID)})
		}
		stateIDs[st.ID] = true

		if prev, taken := steps[st.Step]; taken {
			errs = append(errs, VError{
				Path:    sp + ".step",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("step %d already used by state %q", st.Step, prev),
			})
		}
		steps[st.Step] = st.ID

		if len(st.AllowedTransitions) == 0 {
			terminal = true
		}

		for j, fid := range st.RequiredFields {
			if !fieldIDs[fid] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.required_fields[%d]", sp, j),
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("field %q not found", fid),
				})
			}
		}

		if st.Guard != nil {
			refIDs := make(map[string]bool, len(fieldIDs)+len(s.Calculated))
			for id := range fieldIDs {
				refIDs[id] = true
			}
			for _, c := range s.Calculated {
				refIDs[c.ID] = true
			}
			errs = append(errs, v.validateCondition(sp+".guard.condition", &st.Guard.Condition, refIDs)...)
			if st.Guard.Message == "" {
				errs = append(errs, VError{
					Path:    sp + ".guard.message",
					Code:    "REQUIRED",
					Message: "guard message is required; it is shown to the health worker",
				})
			}
		}
	}

	// Transition targets are checked after all IDs are known.
	for i := range s.States {
		st := &s.States[i]
		for j, target := range st.AllowedTransitions {
			if !stateIDs[target] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.states[%d].allowed_transitions[%d]", prefix, i, j),
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("state %q not found", target),
				})
			}
		}
	}

	if !terminal {
		errs = append(errs, VError{
			Path:    prefix + ".states",
			Code:    "NO_TERMINAL",
			Message: "workflow has no terminal state; every encounter must be completable",
		})
	}

	return errs
}

func (v *Validator) validateTriageRule(prefix string, r *model.TriageRule, refIDs map[string]bool) []VError {
	var errs []VError

	if r.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "rule id is required"})
	}
	if r.Severity == "" {
		errs = append(errs, VError{Path: prefix + ".severity", Code: "REQUIRED", Message: "severity is required"})
	} else if !validSeverity(r.Severity) {
		errs = append(errs, VError{Path: prefix + ".severity", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid severity %q", r.Severity)})
	}
	errs = append(errs, v.validateCondition(prefix+".when", &r.When, refIDs)...)

	return errs
}

func (v *Validator) validateCalculated(prefix string, c *model.CalculatedFieldDefinition, fieldIDs map[string]bool) []VError {
	var errs []VError

	hasWhen := c.When != nil
	hasThresholds := len(c.Thresholds) > 0
	if hasWhen == hasThresholds {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "INVALID_DERIVATION",
			Message: "exactly one of when or thresholds must be set",
		})
		return errs
	}

	if hasWhen {
		errs = append(errs, v.validateCondition(prefix+".when", c.When, fieldIDs)...)
		return errs
	}

	if c.Source == "" {
		errs = append(errs, VError{Path: prefix + ".source", Code: "REQUIRED", Message: "source field is required for thresholds"})
	} else if !fieldIDs[c.Source] {
		errs = append(errs, VError{Path: prefix + ".source", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found", c.Source)})
	}
	if c.AgeField == "" {
		errs = append(errs, VError{Path: prefix + ".age_field", Code: "REQUIRED", Message: "age_field is required for thresholds"})
	} else if !fieldIDs[c.AgeField] {
		errs = append(errs, VError{Path: prefix + ".age_field", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found", c.AgeField)})
	}
	for i, t := range c.Thresholds {
		if t.MinAgeMonths != nil && t.MaxAgeMonths != nil && *t.MinAgeMonths >= *t.MaxAgeMonths {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.thresholds[%d]", prefix, i),
				Code:    "RANGE",
				Message: "min_age_months must be below max_age_months",
			})
		}
	}

	return errs
}

func validSeverity(p string) bool {
	switch p {
	case model.PriorityRed, model.PriorityYellow, model.PriorityGreen:
		return true
	}
	return false
}
