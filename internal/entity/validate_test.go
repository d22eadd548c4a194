package entity

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate_Required(t *testing.T) {
	s := mustSchema(t, "nutrition-state")

	rec := NewRecord("nutrition-state")
	err := s.Validate(rec)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Issues) != 1 || verr.Issues[0].Field != "name" || verr.Issues[0].Message != "is required" {
		t.Errorf("unexpected issues %+v", verr.Issues)
	}

	rec.Fields["name"] = ""
	if err := s.Validate(rec); err == nil {
		t.Error("expected empty required string to fail")
	}

	rec.Fields["name"] = "Stable"
	if err := s.Validate(rec); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_RequiredRelationship(t *testing.T) {
	s := mustSchema(t, "patient-biochemical-test")
	rec := NewRecord(s.Name)
	rec.Links["patient"] = []string{"p-1"}

	err := s.Validate(rec)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Issues) != 1 || verr.Issues[0].Field != "biochemicalTest" {
		t.Errorf("unexpected issues %+v", verr.Issues)
	}
}

func TestValidate_Rules(t *testing.T) {
	s := mustSchema(t, "patient")
	tests := []struct {
		field string
		value interface{}
		ok    bool
		msg   string
	}{
		{"age", int64(30), true, ""},
		{"age", int64(0), true, ""},
		{"age", int64(-1), false, "must be at least 0"},
		{"age", int64(151), false, "must be at most 150"},
		{"weight", float64(-0.5), false, "must be at least 0"},
		{"weight", float64(80), true, ""},
		{"name", strings.Repeat("a", 256), false, "must be at most 255 characters"},
		{"gainLossMeasure", float64(-3), true, ""},
	}

	for _, tt := range tests {
		rec := NewRecord("patient")
		rec.Fields[tt.field] = tt.value
		err := s.Validate(rec)
		if tt.ok {
			if err != nil {
				t.Errorf("%s=%v: unexpected error %v", tt.field, tt.value, err)
			}
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s=%v: expected ValidationError, got %v", tt.field, tt.value, err)
			continue
		}
		if verr.Issues[0].Message != tt.msg {
			t.Errorf("%s=%v: expected %q, got %q", tt.field, tt.value, tt.msg, verr.Issues[0].Message)
		}
	}
}

func TestValidationError_Message(t *testing.T) {
	verr := &ValidationError{Entity: "patient"}
	if verr.err() != nil {
		t.Error("expected nil error without issues")
	}
	verr.add("age", "must be at least %d", 0)
	verr.add("sex", "is required")
	want := "invalid patient: age: must be at least 0; sex: is required"
	if verr.Error() != want {
		t.Errorf("expected %q, got %q", want, verr.Error())
	}
}
