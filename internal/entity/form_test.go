package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/morshed/dietics/pkg/collection"
)

func refIDs(refs []Ref) []string { return collection.Identifiers(refs) }

func TestOpenForm_Blank(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "nutrition-state", map[string]interface{}{"name": "Stable"}, nil)
	seed(t, svc, "nutrition-state", map[string]interface{}{"name": "Critical"}, nil)

	f, err := svc.OpenForm(ctx, "patient", "")
	if err != nil {
		t.Fatalf("OpenForm() error: %v", err)
	}
	if f.Record.ID != "" {
		t.Errorf("expected blank record, got id %q", f.Record.ID)
	}
	if f.Record.Fields["recentWeightGainLoss"] != false {
		t.Error("expected defaults on a blank form")
	}
	if got := refIDs(f.Options["nutritionState"]); !reflect.DeepEqual(got, []string{"id-001", "id-002"}) {
		t.Errorf("expected queried options, got %v", got)
	}
	for _, rel := range []string{"activityLevel", "dietNatures", "supplements"} {
		opts, ok := f.Options[rel]
		if !ok || opts == nil || len(opts) != 0 {
			t.Errorf("expected empty option list for %s, got %#v", rel, opts)
		}
	}
}

func TestOpenForm_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.OpenForm(context.Background(), "patient", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenForm_LinkedEntityBeyondFirstPage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var last *Record
	for i := 0; i <= FormOptionsLimit; i++ {
		last = seed(t, svc, "nutrition-state", map[string]interface{}{"name": fmt.Sprintf("state %d", i)}, nil)
	}
	p := seed(t, svc, "patient", nil, map[string][]string{"nutritionState": {last.ID}})

	f, err := svc.OpenForm(ctx, "patient", p.ID)
	if err != nil {
		t.Fatalf("OpenForm() error: %v", err)
	}

	opts := f.Options["nutritionState"]
	if len(opts) != FormOptionsLimit+1 {
		t.Fatalf("expected %d options, got %d", FormOptionsLimit+1, len(opts))
	}
	if opts[len(opts)-1] != (Ref{ID: last.ID, Display: fmt.Sprintf("state %d", FormOptionsLimit)}) {
		t.Errorf("expected linked entity appended last, got %+v", opts[len(opts)-1])
	}
	if opts[0].ID != "id-001" {
		t.Errorf("expected query order preserved, got first %s", opts[0].ID)
	}
}

func TestOpenForm_LinkedEntityOnFirstPageNotDuplicated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := seed(t, svc, "diet-nature", map[string]interface{}{"name": "Soft"}, nil)
	b := seed(t, svc, "diet-nature", map[string]interface{}{"name": "Liquid"}, nil)
	p := seed(t, svc, "patient", nil, map[string][]string{"dietNatures": {b.ID, a.ID}})

	f, err := svc.OpenForm(ctx, "patient", p.ID)
	if err != nil {
		t.Fatalf("OpenForm() error: %v", err)
	}
	if got := refIDs(f.Options["dietNatures"]); !reflect.DeepEqual(got, []string{a.ID, b.ID}) {
		t.Errorf("expected [%s %s], got %v", a.ID, b.ID, got)
	}
}

func TestOpenForm_DanglingLinkKept(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	s := seed(t, svc, "supplements", map[string]interface{}{"name": "Iron"}, nil)
	p := seed(t, svc, "patient", nil, map[string][]string{"supplements": {s.ID}})
	svc.Delete(ctx, "supplements", s.ID)

	f, err := svc.OpenForm(ctx, "patient", p.ID)
	if err != nil {
		t.Fatalf("OpenForm() error: %v", err)
	}
	if got := f.Options["supplements"]; len(got) != 1 || got[0] != (Ref{ID: s.ID}) {
		t.Errorf("expected the linked id kept as an option, got %v", got)
	}
}

func TestFormSession_UpdateForm(t *testing.T) {
	svc, _ := newTestService(t)
	schema, _ := svc.Registry().Lookup("patient")
	f := &FormSession{
		svc:     svc,
		schema:  schema,
		Options: map[string][]Ref{"nutritionState": {{ID: "d0"}}},
		current: map[string][]Ref{},
	}

	rec := NewRecord("patient")
	rec.Links["nutritionState"] = []string{"17"}
	f.updateForm(rec, nil)
	if got := refIDs(f.Options["nutritionState"]); !reflect.DeepEqual(got, []string{"d0", "17"}) {
		t.Errorf("expected [d0 17], got %v", got)
	}

	rec.Links["nutritionState"] = []string{"d0"}
	f.updateForm(rec, nil)
	if got := refIDs(f.Options["nutritionState"]); !reflect.DeepEqual(got, []string{"d0", "17"}) {
		t.Errorf("expected options unchanged, got %v", got)
	}

	rec = NewRecord("patient")
	f.updateForm(rec, nil)
	if got := refIDs(f.Options["nutritionState"]); !reflect.DeepEqual(got, []string{"d0", "17"}) {
		t.Errorf("expected options unchanged for unlinked record, got %v", got)
	}
	if got := refIDs(f.Options["dietNatures"]); len(got) != 0 {
		t.Errorf("expected no diet options, got %v", got)
	}
}

func TestFormSession_SaveCreatesThenUpdates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ns := seed(t, svc, "nutrition-state", map[string]interface{}{"name": "Stable"}, nil)

	f, err := svc.OpenForm(ctx, "patient", "")
	if err != nil {
		t.Fatalf("OpenForm() error: %v", err)
	}

	rec := NewRecord("patient")
	rec.Fields["name"] = "Rahim"
	rec.Links["nutritionState"] = []string{ns.ID}
	saved, err := f.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected created record to get an id")
	}
	if f.Record.ID != saved.ID {
		t.Error("expected session to hold the saved record")
	}

	edit := saved.Clone()
	edit.Fields["name"] = "Rahim Uddin"
	again, err := f.Save(ctx, edit)
	if err != nil {
		t.Fatalf("second Save() error: %v", err)
	}
	if again.ID != saved.ID {
		t.Errorf("expected update of %s, got %s", saved.ID, again.ID)
	}
	got, _ := svc.Get(ctx, "patient", saved.ID)
	if got.Fields["name"] != "Rahim Uddin" {
		t.Errorf("expected updated name, got %v", got.Fields["name"])
	}

	doc := f.Document()
	record := doc["record"].(map[string]interface{})
	if record["nutritionState"] != (Ref{ID: ns.ID, Display: "Stable"}) {
		t.Errorf("unexpected nutritionState in document %v", record["nutritionState"])
	}
}

func TestFormSession_SaveError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	f, _ := svc.OpenForm(ctx, "nutrition-state", "")

	if _, err := f.Save(ctx, NewRecord("nutrition-state")); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if f.Record.ID != "" {
		t.Error("expected session record unchanged after failed save")
	}
}

func TestFormSessions_AreIndependent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := seed(t, svc, "activity-level", map[string]interface{}{"name": "Low"}, nil)
	p := seed(t, svc, "patient", nil, map[string][]string{"activityLevel": {a.ID}})

	f1, _ := svc.OpenForm(ctx, "patient", p.ID)
	f2, _ := svc.OpenForm(ctx, "patient", "")

	f1.Options["activityLevel"] = append(f1.Options["activityLevel"], Ref{ID: "local"})
	if got := refIDs(f2.Options["activityLevel"]); !reflect.DeepEqual(got, []string{a.ID}) {
		t.Errorf("expected second session unaffected, got %v", got)
	}
}
