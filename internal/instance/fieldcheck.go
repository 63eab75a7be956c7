package instance

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pitabwire/afya/model"
)

// Field-level validation error codes.
const (
	checkTypeMismatch = "TYPE_MISMATCH"
	checkRange        = "RANGE"
	checkLength       = "LENGTH"
	checkPattern      = "PATTERN"
	checkOption       = "INVALID_OPTION"
	checkReadOnly     = "READ_ONLY"
)

// CheckField validates a proposed answer against a field definition. Hard
// errors block the write; warnings accompany a successful write and never
// block. An explicit nil answer passes: recording "not assessed" is itself
// clinical information.
func CheckField(f *model.FieldDefinition, value any) ([]model.FieldError, []model.ClinicalWarning) {
	if f.Type == model.FieldTypeCalculated {
		return []model.FieldError{{
			Field:   f.ID,
			Code:    checkReadOnly,
			Message: fmt.Sprintf("field %q is derived by the engine and cannot be answered", f.ID),
		}}, nil
	}
	if value == nil {
		return nil, nil
	}

	switch f.Type {
	case model.FieldTypeText, model.FieldTypeTextarea:
		return checkText(f, value), nil
	case model.FieldTypeNumber, model.FieldTypeTimer:
		return checkNumber(f, value)
	case model.FieldTypeBoolean:
		if _, ok := value.(bool); !ok {
			return typeError(f, "a boolean"), nil
		}
		return nil, nil
	case model.FieldTypeSelect, model.FieldTypeRadio:
		return checkOptionValue(f, value), nil
	case model.FieldTypeCheckbox:
		return checkCheckbox(f, value), nil
	case model.FieldTypeDate:
		return checkTimeFormat(f, value, "2006-01-02", "a date in YYYY-MM-DD form"), nil
	case model.FieldTypeTime:
		return checkTimeFormat(f, value, "15:04", "a time in HH:MM form"), nil
	}
	return nil, nil
}

func checkText(f *model.FieldDefinition, value any) []model.FieldError {
	s, ok := value.(string)
	if !ok {
		return typeError(f, "text")
	}
	c := f.Constraints
	if c == nil {
		return nil
	}

	var errs []model.FieldError
	if c.MinLength != nil && len(s) < *c.MinLength {
		errs = append(errs, model.FieldError{
			Field: f.ID, Code: checkLength,
			Message: fmt.Sprintf("must be at least %d characters", *c.MinLength),
		})
	}
	if c.MaxLength != nil && len(s) > *c.MaxLength {
		errs = append(errs, model.FieldError{
			Field: f.ID, Code: checkLength,
			Message: fmt.Sprintf("must be at most %d characters", *c.MaxLength),
		})
	}
	if c.Pattern != "" {
		// Pattern validity is guaranteed by schema validation.
		if re, err := regexp.Compile(c.Pattern); err == nil && !re.MatchString(s) {
			errs = append(errs, model.FieldError{
				Field: f.ID, Code: checkPattern,
				Message: "does not match the required format",
			})
		}
	}
	return errs
}

func checkNumber(f *model.FieldDefinition, value any) ([]model.FieldError, []model.ClinicalWarning) {
	n, ok := asFloat(value)
	if !ok {
		return typeError(f, "a number"), nil
	}
	c := f.Constraints
	if c == nil {
		return nil, nil
	}

	var errs []model.FieldError
	if c.Min != nil && n < *c.Min {
		errs = append(errs, model.FieldError{
			Field: f.ID, Code: checkRange,
			Message: fmt.Sprintf("must be at least %v%s", *c.Min, unitSuffix(f)),
		})
	}
	if c.Max != nil && n > *c.Max {
		errs = append(errs, model.FieldError{
			Field: f.ID, Code: checkRange,
			Message: fmt.Sprintf("must be at most %v%s", *c.Max, unitSuffix(f)),
		})
	}
	if len(errs) > 0 {
		return errs, nil
	}

	var warns []model.ClinicalWarning
	if c.WarnBelow != nil && n < *c.WarnBelow {
		warns = append(warns, clinicalWarn(f, c, fmt.Sprintf("value %v is below %v%s", n, *c.WarnBelow, unitSuffix(f))))
	}
	if c.WarnAbove != nil && n > *c.WarnAbove {
		warns = append(warns, clinicalWarn(f, c, fmt.Sprintf("value %v is above %v%s", n, *c.WarnAbove, unitSuffix(f))))
	}
	return nil, warns
}

func checkOptionValue(f *model.FieldDefinition, value any) []model.FieldError {
	s, ok := value.(string)
	if !ok {
		return typeError(f, "one of the listed options")
	}
	if !optionAllowed(f, s) {
		return []model.FieldError{{
			Field: f.ID, Code: checkOption,
			Message: fmt.Sprintf("%q is not one of the allowed options", s),
		}}
	}
	return nil
}

func checkCheckbox(f *model.FieldDefinition, value any) []model.FieldError {
	var items []string
	switch v := value.(type) {
	case []string:
		items = v
	case []any:
		for _, raw := range v {
			s, ok := raw.(string)
			if !ok {
				return typeError(f, "a list of options")
			}
			items = append(items, s)
		}
	default:
		return typeError(f, "a list of options")
	}

	for _, s := range items {
		if !optionAllowed(f, s) {
			return []model.FieldError{{
				Field: f.ID, Code: checkOption,
				Message: fmt.Sprintf("%q is not one of the allowed options", s),
			}}
		}
	}
	return nil
}

func checkTimeFormat(f *model.FieldDefinition, value any, layout, want string) []model.FieldError {
	s, ok := value.(string)
	if !ok {
		return typeError(f, want)
	}
	if _, err := time.Parse(layout, s); err != nil {
		return typeError(f, want)
	}
	return nil
}

func optionAllowed(f *model.FieldDefinition, s string) bool {
	if f.Constraints == nil {
		return false
	}
	for _, opt := range f.Constraints.Options {
		if opt == s {
			return true
		}
	}
	return false
}

func typeError(f *model.FieldDefinition, want string) []model.FieldError {
	return []model.FieldError{{
		Field:   f.ID,
		Code:    checkTypeMismatch,
		Message: fmt.Sprintf("expected %s", want),
	}}
}

func clinicalWarn(f *model.FieldDefinition, c *model.FieldConstraints, fallback string) model.ClinicalWarning {
	msg := c.WarnMessage
	if msg == "" {
		msg = fallback
	}
	return model.ClinicalWarning{FieldID: f.ID, Code: "CLINICAL_RANGE", Message: msg}
}

func unitSuffix(f *model.FieldDefinition) string {
	if f.Unit == "" {
		return ""
	}
	return " " + f.Unit
}

// asFloat accepts the numeric shapes JSON decoding can produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
