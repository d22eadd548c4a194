package entity

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks required properties and per-field rules of rec.
func (s *Schema) Validate(rec *Record) error {
	verr := &ValidationError{Entity: s.Name}

	for _, f := range s.Fields {
		v, ok := rec.Fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				verr.add(f.Name, "is required")
			}
			continue
		}
		if str, isStr := v.(string); isStr && f.Required && str == "" {
			verr.add(f.Name, "is required")
			continue
		}
		if f.Validate == "" {
			continue
		}
		if err := validate.Var(v, f.Validate); err != nil {
			verr.add(f.Name, "%s", formatRuleError(err))
		}
	}

	for _, rel := range s.Relationships {
		if rel.Required && len(rec.Links[rel.Name]) == 0 {
			verr.add(rel.Name, "is required")
		}
	}
	return verr.err()
}

// checkRule rejects validation rules the validator does not understand.
// validator panics on unknown tags, so the probe runs under recover.
func checkRule(f Field) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", f.Validate, r)
		}
	}()
	var probe interface{}
	switch f.Type {
	case TypeInteger:
		probe = int64(0)
	case TypeDouble:
		probe = float64(0)
	case TypeBoolean:
		probe = false
	default:
		probe = ""
	}
	_ = validate.Var(probe, f.Validate)
	return nil
}

func formatRuleError(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "is invalid"
	}
	e := fieldErrs[0]
	switch e.Tag() {
	case "min", "gte":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("must be at least %s characters", e.Param())
		}
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max", "lte":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("must be at most %s characters", e.Param())
		}
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "email":
		return "must be a valid email"
	default:
		return "is invalid"
	}
}
