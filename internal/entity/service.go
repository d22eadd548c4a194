package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/morshed/dietics/pkg/pagination"
)

// OpObserver is told about every completed service operation.
type OpObserver interface {
	ObserveOp(entity, op string, err error, elapsed time.Duration)
}

// Option configures a Service.
type Option func(*Service)

// WithObserver reports every operation to o.
func WithObserver(o OpObserver) Option {
	return func(s *Service) { s.obs = o }
}

// WithClock replaces the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the generator of new record ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// Service implements create/read/update/delete of records of every entity
// in the registry.
type Service struct {
	reg    *Registry
	repo   Repository
	logger zerolog.Logger
	obs    OpObserver
	now    func() time.Time
	newID  func() string
}

func NewService(reg *Registry, repo Repository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		reg:    reg,
		repo:   repo,
		logger: logger.With().Str("component", "entity-service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the schemas served by s.
func (s *Service) Registry() *Registry { return s.reg }

func (s *Service) observe(entity, op string, start time.Time, err error) {
	if s.obs != nil {
		s.obs.ObserveOp(entity, op, err, time.Since(start))
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := s.repo.(Transactor); ok {
		return tx.InTx(ctx, fn)
	}
	return fn(ctx)
}

// Create stores a new record. The record must not carry an id; one is
// assigned along with the audit timestamps.
func (s *Service) Create(ctx context.Context, entity string, rec *Record) (out *Record, err error) {
	defer func(start time.Time) { s.observe(entity, "create", start, err) }(time.Now())
	s.logger.Debug().Str("entity", entity).Msg("request to save")

	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	if rec.ID != "" {
		return nil, ErrIDExists
	}

	out = rec.Clone()
	out.Entity = schema.Name
	schema.ApplyDefaults(out)
	if err := schema.Validate(out); err != nil {
		return nil, err
	}

	out.ID = s.newID()
	out.CreatedAt = s.now()
	out.UpdatedAt = out.CreatedAt

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.checkLinks(ctx, schema, out); err != nil {
			return err
		}
		return s.repo.Create(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the record id with rec. rec must carry the same id and
// the record must exist.
func (s *Service) Update(ctx context.Context, entity, id string, rec *Record) (out *Record, err error) {
	defer func(start time.Time) { s.observe(entity, "update", start, err) }(time.Now())
	s.logger.Debug().Str("entity", entity).Str("id", id).Msg("request to update")

	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(id, rec.ID); err != nil {
		return nil, err
	}

	out = rec.Clone()
	out.Entity = schema.Name
	if err := schema.Validate(out); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.Get(ctx, schema.Name, id)
		if errors.Is(err, ErrNotFound) {
			return ErrIDNotFound
		}
		if err != nil {
			return err
		}
		if err := s.checkLinks(ctx, schema, out); err != nil {
			return err
		}
		out.CreatedAt = existing.CreatedAt
		out.UpdatedAt = s.now()
		return s.repo.Update(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PartialUpdate applies the scalar fields set in patch to the stored
// record. Relationships and absent fields are left unchanged.
func (s *Service) PartialUpdate(ctx context.Context, entity, id string, patch *Record) (out *Record, err error) {
	defer func(start time.Time) { s.observe(entity, "patch", start, err) }(time.Now())
	s.logger.Debug().Str("entity", entity).Str("id", id).Msg("request to partially update")

	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(id, patch.ID); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.Get(ctx, schema.Name, id)
		if errors.Is(err, ErrNotFound) {
			return ErrIDNotFound
		}
		if err != nil {
			return err
		}
		if err := schema.Normalize(existing); err != nil {
			return err
		}
		for k, v := range patch.Fields {
			if v != nil {
				existing.Fields[k] = v
			}
		}
		if err := schema.Validate(existing); err != nil {
			return err
		}
		existing.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func checkIDs(pathID, bodyID string) error {
	if pathID == "" || bodyID == "" {
		return ErrIDMissing
	}
	if pathID != bodyID {
		return ErrIDMismatch
	}
	return nil
}

// Get loads one record.
func (s *Service) Get(ctx context.Context, entity, id string) (out *Record, err error) {
	defer func(start time.Time) { s.observe(entity, "get", start, err) }(time.Now())
	s.logger.Debug().Str("entity", entity).Str("id", id).Msg("request to get")

	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	out, err = s.repo.Get(ctx, schema.Name, id)
	if err != nil {
		return nil, err
	}
	if err := schema.Normalize(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Detail loads one record as a document with its relationships resolved
// to display refs.
func (s *Service) Detail(ctx context.Context, entity, id string) (map[string]interface{}, error) {
	rec, err := s.Get(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	schema, _ := s.reg.Lookup(entity)
	refs, err := s.resolveRefs(ctx, schema, []*Record{rec})
	if err != nil {
		return nil, err
	}
	return schema.Encode(rec, refs), nil
}

// List returns one page of records and the total record count. An empty
// sort orders by id.
func (s *Service) List(ctx context.Context, entity string, q ListQuery) (items []*Record, total int, err error) {
	defer func(start time.Time) { s.observe(entity, "list", start, err) }(time.Now())
	s.logger.Debug().Str("entity", entity).Int("limit", q.Limit).Int("offset", q.Offset).Msg("request to get a page")

	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return nil, 0, err
	}
	verr := &ValidationError{Entity: schema.Name}
	for _, srt := range q.Sort {
		if !schema.Sortable(srt.Field) {
			verr.add("sort", "cannot sort by %q", srt.Field)
		}
	}
	if err := verr.err(); err != nil {
		return nil, 0, err
	}
	if len(q.Sort) == 0 {
		q.Sort = []pagination.Sort{{Field: "id"}}
	}
	if q.Limit <= 0 {
		q.Limit = pagination.DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	items, total, err = s.repo.List(ctx, schema.Name, q)
	if err != nil {
		return nil, 0, err
	}
	for _, rec := range items {
		if err := schema.Normalize(rec); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// ListDocuments is List rendered as documents with relationships resolved.
func (s *Service) ListDocuments(ctx context.Context, entity string, q ListQuery) ([]map[string]interface{}, int, error) {
	items, total, err := s.List(ctx, entity, q)
	if err != nil {
		return nil, 0, err
	}
	schema, _ := s.reg.Lookup(entity)
	refs, err := s.resolveRefs(ctx, schema, items)
	if err != nil {
		return nil, 0, err
	}
	docs := make([]map[string]interface{}, 0, len(items))
	for _, rec := range items {
		docs = append(docs, schema.Encode(rec, refs))
	}
	return docs, total, nil
}

// Options returns the first page of an entity as refs, the candidate list
// offered for relationships targeting it.
func (s *Service) Options(ctx context.Context, entity string, limit int) ([]Ref, error) {
	items, _, err := s.List(ctx, entity, ListQuery{Limit: limit})
	if err != nil {
		return nil, err
	}
	schema, _ := s.reg.Lookup(entity)
	refs := make([]Ref, 0, len(items))
	for _, rec := range items {
		refs = append(refs, schema.RefOf(rec))
	}
	return refs, nil
}

// Delete removes a record. Deleting an absent record succeeds.
func (s *Service) Delete(ctx context.Context, entity, id string) (err error) {
	defer func(start time.Time) { s.observe(entity, "delete", start, err) }(time.Now())
	s.logger.Debug().Str("entity", entity).Str("id", id).Msg("request to delete")

	schema, err := s.reg.Lookup(entity)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, schema.Name, id)
}

// checkLinks verifies that every referenced record exists.
func (s *Service) checkLinks(ctx context.Context, schema *Schema, rec *Record) error {
	for _, rel := range schema.Relationships {
		ids := rec.Links[rel.Name]
		if len(ids) == 0 {
			continue
		}
		missing, err := s.repo.Missing(ctx, rel.Target, ids)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s %s", ErrUnknownReference, rel.Name, strings.Join(missing, ", "))
		}
	}
	return nil
}

// resolveRefs loads the display refs of every record linked from recs.
// Dangling links resolve to a bare id.
func (s *Service) resolveRefs(ctx context.Context, schema *Schema, recs []*Record) (map[string]Ref, error) {
	refs := make(map[string]Ref)
	for _, rel := range schema.Relationships {
		target, err := s.reg.Lookup(rel.Target)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			for _, id := range rec.Links[rel.Name] {
				if _, ok := refs[id]; ok {
					continue
				}
				linked, err := s.repo.Get(ctx, target.Name, id)
				if errors.Is(err, ErrNotFound) {
					refs[id] = Ref{ID: id}
					continue
				}
				if err != nil {
					return nil, err
				}
				if err := target.Normalize(linked); err != nil {
					return nil, err
				}
				refs[id] = target.RefOf(linked)
			}
		}
	}
	return refs, nil
}
