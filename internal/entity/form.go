package entity

import (
	"context"

	"github.com/morshed/dietics/pkg/collection"
	"github.com/morshed/dietics/pkg/pagination"
)

// FormOptionsLimit caps the candidates fetched for one relationship.
const FormOptionsLimit = pagination.MaxLimit

// FormSession is the edit state of one record: the record itself and, per
// relationship, the candidates it may link to. Each session owns its
// state; nothing is shared between sessions.
type FormSession struct {
	svc    *Service
	schema *Schema

	Record  *Record
	Options map[string][]Ref

	// current holds the refs the record links to, per relationship
	current map[string][]Ref
	refs    map[string]Ref
}

// OpenForm starts an edit session. An empty id opens a blank record with
// schema defaults; otherwise the stored record is loaded. Relationship
// options are queried before returning.
func (s *Service) OpenForm(ctx context.Context, entity, id string) (*FormSession, error) {
	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	f := &FormSession{
		svc:     s,
		schema:  schema,
		Options: make(map[string][]Ref, len(schema.Relationships)),
		current: make(map[string][]Ref, len(schema.Relationships)),
	}
	for _, rel := range schema.Relationships {
		f.Options[rel.Name] = []Ref{}
	}

	if id == "" {
		rec := NewRecord(schema.Name)
		schema.ApplyDefaults(rec)
		f.updateForm(rec, nil)
	} else {
		rec, err := s.Get(ctx, schema.Name, id)
		if err != nil {
			return nil, err
		}
		refs, err := s.resolveRefs(ctx, schema, []*Record{rec})
		if err != nil {
			return nil, err
		}
		f.updateForm(rec, refs)
	}

	if err := f.LoadRelationshipOptions(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Schema returns the schema of the record being edited.
func (f *FormSession) Schema() *Schema { return f.schema }

// updateForm loads rec into the session and makes sure every entity it
// currently links to appears among the options of that relationship.
func (f *FormSession) updateForm(rec *Record, refs map[string]Ref) {
	f.Record = rec
	f.refs = refs
	for _, rel := range f.schema.Relationships {
		cur := f.schema.LinkRefs(rec, rel.Name, refs)
		f.current[rel.Name] = cur
		f.Options[rel.Name] = collection.MergeMissing(f.Options[rel.Name], cur...)
	}
}

// LoadRelationshipOptions replaces each relationship's options with a
// fresh query of its target, keeping the currently linked entities.
func (f *FormSession) LoadRelationshipOptions(ctx context.Context) error {
	for _, rel := range f.schema.Relationships {
		queried, err := f.svc.Options(ctx, rel.Target, FormOptionsLimit)
		if err != nil {
			return err
		}
		f.Options[rel.Name] = collection.MergeMissing(queried, f.current[rel.Name]...)
	}
	return nil
}

// Save creates the record when it has no id and updates it otherwise. The
// persisted record is loaded back into the session.
func (f *FormSession) Save(ctx context.Context, rec *Record) (*Record, error) {
	var (
		saved *Record
		err   error
	)
	if rec.ID == "" {
		saved, err = f.svc.Create(ctx, f.schema.Name, rec)
	} else {
		saved, err = f.svc.Update(ctx, f.schema.Name, rec.ID, rec)
	}
	if err != nil {
		return nil, err
	}

	refs, err := f.svc.resolveRefs(ctx, f.schema, []*Record{saved})
	if err != nil {
		return nil, err
	}
	f.updateForm(saved, refs)
	return saved, nil
}

// Document renders the session for the form endpoints.
func (f *FormSession) Document() map[string]interface{} {
	return map[string]interface{}{
		"entity":  f.schema.Name,
		"record":  f.schema.Encode(f.Record, f.refs),
		"options": f.Options,
	}
}
