// Package entity is a schema-driven record engine. Every nutrition entity
// (patients, nutrition states, activity levels, ...) is described by a
// Schema and served by the same codec, service, form session and HTTP
// handler instead of per-entity code.
package entity

import (
	"fmt"
	"regexp"
)

// FieldType is the value type of a scalar field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeDouble  FieldType = "double"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeEnum    FieldType = "enum"
)

// DateLayout is the wire and storage format of date fields.
const DateLayout = "2006-01-02"

// Field describes one scalar property of an entity.
type Field struct {
	Name     string      `yaml:"name" json:"name"`
	Type     FieldType   `yaml:"type" json:"type"`
	Label    string      `yaml:"label" json:"label,omitempty"`
	Required bool        `yaml:"required" json:"required,omitempty"`
	Enum     string      `yaml:"enum" json:"enum,omitempty"`
	Values   []string    `yaml:"-" json:"values,omitempty"`
	Validate string      `yaml:"validate" json:"validate,omitempty"`
	Default  interface{} `yaml:"default" json:"default,omitempty"`
}

// Cardinality of a relationship as seen from the owning entity.
type Cardinality string

const (
	ManyToOne  Cardinality = "many-to-one"
	ManyToMany Cardinality = "many-to-many"
)

// Relationship links an entity to records of another entity.
type Relationship struct {
	Name        string      `yaml:"name" json:"name"`
	Target      string      `yaml:"target" json:"target"`
	Cardinality Cardinality `yaml:"cardinality" json:"cardinality"`
	Label       string      `yaml:"label" json:"label,omitempty"`
	Required    bool        `yaml:"required" json:"required,omitempty"`
}

// ToMany reports whether the relationship holds a list of references.
func (r Relationship) ToMany() bool { return r.Cardinality == ManyToMany }

// Schema describes one entity: its scalar fields and its relationships.
type Schema struct {
	Name          string         `yaml:"name" json:"name"`
	Path          string         `yaml:"path" json:"path"`
	Title         string         `yaml:"title" json:"title"`
	Display       string         `yaml:"display" json:"display,omitempty"`
	Fields        []Field        `yaml:"fields" json:"fields"`
	Relationships []Relationship `yaml:"relationships" json:"relationships"`

	fields map[string]int
	rels   map[string]int
}

// Field returns the named scalar field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.fields[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Relationship returns the named relationship.
func (s *Schema) Relationship(name string) (Relationship, bool) {
	i, ok := s.rels[name]
	if !ok {
		return Relationship{}, false
	}
	return s.Relationships[i], true
}

// Sortable reports whether records can be ordered by name.
func (s *Schema) Sortable(name string) bool {
	switch name {
	case "id", "createdAt", "updatedAt":
		return true
	}
	_, ok := s.fields[name]
	return ok
}

var (
	entityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)
	propertyPattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)
)

var reservedProperties = map[string]bool{"id": true, "createdAt": true, "updatedAt": true}

// Route is one entry of the entity routing table.
type Route struct {
	Entity    string `json:"entity"`
	Path      string `json:"path"`
	PageTitle string `json:"pageTitle"`
}

// Registry holds the schemas of every entity the service manages.
type Registry struct {
	schemas []*Schema
	byName  map[string]*Schema
	byPath  map[string]*Schema
	enums   map[string][]string
}

// NewRegistry indexes and checks the schemas. Enum fields are resolved
// against enums; defaults are type-checked.
func NewRegistry(enums map[string][]string, schemas ...*Schema) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Schema, len(schemas)),
		byPath: make(map[string]*Schema, len(schemas)),
		enums:  enums,
	}

	for _, s := range schemas {
		if !entityNamePattern.MatchString(s.Name) {
			return nil, fmt.Errorf("entity %q: name must be lower-case kebab case", s.Name)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("entity %q declared twice", s.Name)
		}
		if s.Path == "" {
			s.Path = s.Name
		}
		if !entityNamePattern.MatchString(s.Path) {
			return nil, fmt.Errorf("entity %q: invalid path %q", s.Name, s.Path)
		}
		if other, dup := r.byPath[s.Path]; dup {
			return nil, fmt.Errorf("entity %q: path %q already used by %q", s.Name, s.Path, other.Name)
		}
		if s.Title == "" {
			s.Title = s.Name
		}
		if err := r.index(s); err != nil {
			return nil, err
		}
		r.schemas = append(r.schemas, s)
		r.byName[s.Name] = s
		r.byPath[s.Path] = s
	}

	for _, s := range r.schemas {
		for _, rel := range s.Relationships {
			if _, ok := r.byName[rel.Target]; !ok {
				return nil, fmt.Errorf("entity %q: relationship %q targets unknown entity %q", s.Name, rel.Name, rel.Target)
			}
		}
	}
	return r, nil
}

func (r *Registry) index(s *Schema) error {
	s.fields = make(map[string]int, len(s.Fields))
	s.rels = make(map[string]int, len(s.Relationships))

	for i := range s.Fields {
		f := &s.Fields[i]
		if !propertyPattern.MatchString(f.Name) || reservedProperties[f.Name] {
			return fmt.Errorf("entity %q: invalid field name %q", s.Name, f.Name)
		}
		if _, dup := s.fields[f.Name]; dup {
			return fmt.Errorf("entity %q: field %q declared twice", s.Name, f.Name)
		}
		switch f.Type {
		case TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeDate:
		case TypeEnum:
			values, ok := r.enums[f.Enum]
			if !ok || len(values) == 0 {
				return fmt.Errorf("entity %q: field %q uses unknown enum %q", s.Name, f.Name, f.Enum)
			}
			f.Values = values
		default:
			return fmt.Errorf("entity %q: field %q has unsupported type %q", s.Name, f.Name, f.Type)
		}
		if f.Validate != "" {
			if err := checkRule(*f); err != nil {
				return fmt.Errorf("entity %q: field %q: %w", s.Name, f.Name, err)
			}
		}
		if f.Default != nil {
			v, err := coerce(*f, f.Default)
			if err != nil {
				return fmt.Errorf("entity %q: field %q default: %w", s.Name, f.Name, err)
			}
			f.Default = v
		}
		s.fields[f.Name] = i
	}

	for i, rel := range s.Relationships {
		if !propertyPattern.MatchString(rel.Name) || reservedProperties[rel.Name] {
			return fmt.Errorf("entity %q: invalid relationship name %q", s.Name, rel.Name)
		}
		if _, clash := s.fields[rel.Name]; clash {
			return fmt.Errorf("entity %q: relationship %q clashes with a field", s.Name, rel.Name)
		}
		if _, dup := s.rels[rel.Name]; dup {
			return fmt.Errorf("entity %q: relationship %q declared twice", s.Name, rel.Name)
		}
		switch rel.Cardinality {
		case ManyToOne, ManyToMany:
		case "":
			s.Relationships[i].Cardinality = ManyToOne
		default:
			return fmt.Errorf("entity %q: relationship %q has unsupported cardinality %q", s.Name, rel.Name, rel.Cardinality)
		}
		s.rels[rel.Name] = i
	}

	if s.Display != "" {
		if _, ok := s.fields[s.Display]; !ok {
			return fmt.Errorf("entity %q: display field %q is not declared", s.Name, s.Display)
		}
	}
	return nil
}

// Lookup returns the schema of the named entity.
func (r *Registry) Lookup(name string) (*Schema, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return s, nil
}

// ByPath returns the schema served under the given URL path segment.
func (r *Registry) ByPath(path string) (*Schema, error) {
	s, ok := r.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: /%s", ErrUnknownEntity, path)
	}
	return s, nil
}

// Schemas returns every schema in catalog order.
func (r *Registry) Schemas() []*Schema {
	out := make([]*Schema, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Enums returns the named value sets used by enum fields.
func (r *Registry) Enums() map[string][]string {
	out := make(map[string][]string, len(r.enums))
	for k, v := range r.enums {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Routes returns the entity routing table in catalog order.
func (r *Registry) Routes() []Route {
	routes := make([]Route, 0, len(r.schemas))
	for _, s := range r.schemas {
		routes = append(routes, Route{Entity: s.Name, Path: s.Path, PageTitle: s.Title})
	}
	return routes
}
