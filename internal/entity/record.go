package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/morshed/dietics/pkg/collection"
)

// Record is one stored instance of an entity. Scalar values live in Fields
// keyed by field name; relationships are stored as target ids in Links.
//
// Field values are held in canonical form: string for string, date
// (YYYY-MM-DD) and enum fields, int64 for integer, float64 for double and
// bool for boolean.
type Record struct {
	ID        string                 `json:"id"`
	Entity    string                 `json:"entity"`
	Fields    map[string]interface{} `json:"fields"`
	Links     map[string][]string    `json:"links"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// NewRecord returns an empty record of the given entity.
func NewRecord(entity string) *Record {
	return &Record{
		Entity: entity,
		Fields: make(map[string]interface{}),
		Links:  make(map[string][]string),
	}
}

// Identifier implements collection.Identifiable.
func (r *Record) Identifier() string {
	if r == nil {
		return ""
	}
	return r.ID
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	out.Links = make(map[string][]string, len(r.Links))
	for k, v := range r.Links {
		out.Links[k] = append([]string(nil), v...)
	}
	return &out
}

// Ref is the short form of a related record: its id and a display label.
type Ref struct {
	ID      string `json:"id"`
	Display string `json:"display,omitempty"`
}

// Identifier implements collection.Identifiable.
func (r Ref) Identifier() string { return r.ID }

// RefOf builds the Ref of a record of this schema.
func (s *Schema) RefOf(rec *Record) Ref {
	ref := Ref{ID: rec.ID}
	if s.Display != "" {
		if v, ok := rec.Fields[s.Display]; ok && v != nil {
			ref.Display = fmt.Sprint(v)
		}
	}
	return ref
}

// Decode converts a JSON document into a record of this schema. Null values
// are treated as absent. Relationships accept an id string, an object with an
// "id" key, or (for to-many relationships) an array of either. Read-only
// audit keys are ignored; any other unknown key is an error.
func (s *Schema) Decode(doc map[string]interface{}) (*Record, error) {
	rec := NewRecord(s.Name)
	verr := &ValidationError{Entity: s.Name}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := doc[key]
		switch key {
		case "id":
			if raw == nil {
				continue
			}
			id, ok := raw.(string)
			if !ok {
				verr.add("id", "must be a string")
				continue
			}
			rec.ID = strings.TrimSpace(id)
			continue
		case "createdAt", "updatedAt":
			continue
		}

		if f, ok := s.Field(key); ok {
			if raw == nil {
				continue
			}
			v, err := coerce(f, raw)
			if err != nil {
				verr.add(key, "%v", err)
				continue
			}
			rec.Fields[key] = v
			continue
		}

		if rel, ok := s.Relationship(key); ok {
			if raw == nil {
				continue
			}
			ids, err := decodeLinks(rel, raw)
			if err != nil {
				verr.add(key, "%v", err)
				continue
			}
			if len(ids) > 0 {
				rec.Links[key] = ids
			}
			continue
		}

		verr.add(key, "unknown property")
	}

	if err := verr.err(); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeLinks(rel Relationship, raw interface{}) ([]string, error) {
	if list, ok := raw.([]interface{}); ok {
		if !rel.ToMany() {
			return nil, fmt.Errorf("expects a single reference")
		}
		refs := make([]Ref, 0, len(list))
		for _, item := range list {
			id, err := refID(item)
			if err != nil {
				return nil, err
			}
			refs = append(refs, Ref{ID: id})
		}
		return collection.Identifiers(collection.MergeMissing(nil, refs...)), nil
	}

	id, err := refID(raw)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return []string{id}, nil
}

func refID(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case map[string]interface{}:
		id, ok := t["id"]
		if !ok || id == nil {
			return "", nil
		}
		s, ok := id.(string)
		if !ok {
			return "", fmt.Errorf("reference id must be a string")
		}
		return strings.TrimSpace(s), nil
	default:
		return "", fmt.Errorf("reference must be an id or an object with an id")
	}
}

// Encode renders rec as a flat JSON document. Relationships are written as
// refs; refs supplies display labels keyed by id and may be nil.
func (s *Schema) Encode(rec *Record, refs map[string]Ref) map[string]interface{} {
	doc := make(map[string]interface{}, len(s.Fields)+len(s.Relationships)+3)
	doc["id"] = rec.ID
	for _, f := range s.Fields {
		if v, ok := rec.Fields[f.Name]; ok {
			doc[f.Name] = v
		} else {
			doc[f.Name] = nil
		}
	}
	for _, rel := range s.Relationships {
		ids := rec.Links[rel.Name]
		if !rel.ToMany() {
			if len(ids) == 0 {
				doc[rel.Name] = nil
			} else {
				doc[rel.Name] = lookupRef(refs, ids[0])
			}
			continue
		}
		list := make([]Ref, 0, len(ids))
		for _, id := range ids {
			list = append(list, lookupRef(refs, id))
		}
		doc[rel.Name] = list
	}
	if !rec.CreatedAt.IsZero() {
		doc["createdAt"] = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !rec.UpdatedAt.IsZero() {
		doc["updatedAt"] = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return doc
}

func lookupRef(refs map[string]Ref, id string) Ref {
	if r, ok := refs[id]; ok {
		return r
	}
	return Ref{ID: id}
}

// LinkRefs returns the current references of a relationship, display
// labels filled from refs when known.
func (s *Schema) LinkRefs(rec *Record, rel string, refs map[string]Ref) []Ref {
	ids := rec.Links[rel]
	out := make([]Ref, 0, len(ids))
	for _, id := range ids {
		out = append(out, lookupRef(refs, id))
	}
	return out
}

// Normalize re-coerces values read back from storage into canonical form
// and drops properties the schema no longer declares.
func (s *Schema) Normalize(rec *Record) error {
	if rec.Fields == nil {
		rec.Fields = make(map[string]interface{})
	}
	if rec.Links == nil {
		rec.Links = make(map[string][]string)
	}
	rec.Entity = s.Name

	for k, v := range rec.Fields {
		f, ok := s.Field(k)
		if !ok || v == nil {
			delete(rec.Fields, k)
			continue
		}
		cv, err := coerce(f, v)
		if err != nil {
			return fmt.Errorf("%s %s: field %s: %w", s.Name, rec.ID, k, err)
		}
		rec.Fields[k] = cv
	}
	for k, ids := range rec.Links {
		rel, ok := s.Relationship(k)
		if !ok || len(ids) == 0 {
			delete(rec.Links, k)
			continue
		}
		if !rel.ToMany() && len(ids) > 1 {
			rec.Links[k] = ids[:1]
		}
	}
	return nil
}

// ApplyDefaults fills unset fields that declare a default value.
func (s *Schema) ApplyDefaults(rec *Record) {
	for _, f := range s.Fields {
		if f.Default == nil {
			continue
		}
		if _, ok := rec.Fields[f.Name]; !ok {
			rec.Fields[f.Name] = f.Default
		}
	}
}

// coerce converts v into the canonical Go value of field f.
func coerce(f Field, v interface{}) (interface{}, error) {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		return s, nil

	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be one of %s", strings.Join(f.Values, ", "))
		}
		for _, allowed := range f.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("must be one of %s", strings.Join(f.Values, ", "))

	case TypeDate:
		s, ok := v.(string)
		if !ok {
			if t, isTime := v.(time.Time); isTime {
				return t.UTC().Format(DateLayout), nil
			}
			return nil, fmt.Errorf("must be a date (YYYY-MM-DD)")
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("must be a date (YYYY-MM-DD)")
		}
		return t.Format(DateLayout), nil

	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		return b, nil

	case TypeInteger:
		n, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("must be an integer")
		}
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > 1<<53 {
			return nil, fmt.Errorf("must be an integer")
		}
		return int64(n), nil

	case TypeDouble:
		n, err := toFloat(v)
		if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
			return nil, fmt.Errorf("must be a number")
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported type %q", f.Type)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return 0, fmt.Errorf("not a number")
	default:
		return strconv.ParseFloat(fmt.Sprint(v), 64)
	}
}
