package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/morshed/dietics/migrations"
	"github.com/morshed/dietics/pkg/pagination"
)

// repoFactories lists the repositories that run without external services.
func repoFactories(t *testing.T) map[string]func(t *testing.T) Repository {
	t.Helper()
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository { return NewMemoryRepo() },
		"sqlite": func(t *testing.T) Repository { return openTestSQLite(t) },
	}
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:", migrations.SQLite())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func storedRecord(entity, id string, fields map[string]interface{}) *Record {
	rec := NewRecord(entity)
	rec.ID = id
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.CreatedAt = testNow
	rec.UpdatedAt = testNow
	return rec
}

func ids(recs []*Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRepository_CRUD(t *testing.T) {
	for name, open := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			rec := storedRecord("patient", "p1", map[string]interface{}{"name": "Karim"})
			rec.Links["supplements"] = []string{"s1", "s2"}
			if err := repo.Create(ctx, rec); err != nil {
				t.Fatalf("Create() error: %v", err)
			}

			got, err := repo.Get(ctx, "patient", "p1")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if got.Entity != "patient" || got.Fields["name"] != "Karim" {
				t.Errorf("unexpected record %+v", got)
			}
			if !equalIDs(got.Links["supplements"], []string{"s1", "s2"}) {
				t.Errorf("expected links to round-trip, got %v", got.Links)
			}
			if !got.CreatedAt.Equal(testNow) {
				t.Errorf("expected created_at %v, got %v", testNow, got.CreatedAt)
			}

			if _, err := repo.Get(ctx, "nutrition-state", "p1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("records are scoped by entity, got %v", err)
			}

			got.Fields["name"] = "Karim Uddin"
			got.UpdatedAt = testNow.Add(time.Hour)
			if err := repo.Update(ctx, got); err != nil {
				t.Fatalf("Update() error: %v", err)
			}
			got, _ = repo.Get(ctx, "patient", "p1")
			if got.Fields["name"] != "Karim Uddin" || !got.UpdatedAt.Equal(testNow.Add(time.Hour)) {
				t.Errorf("update not stored: %+v", got)
			}
			if !got.CreatedAt.Equal(testNow) {
				t.Errorf("update must keep created_at, got %v", got.CreatedAt)
			}

			if err := repo.Update(ctx, storedRecord("patient", "ghost", nil)); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound updating absent record, got %v", err)
			}

			if err := repo.Delete(ctx, "patient", "p1"); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if err := repo.Delete(ctx, "patient", "p1"); err != nil {
				t.Errorf("second Delete() should succeed, got %v", err)
			}
			if _, err := repo.Get(ctx, "patient", "p1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestRepository_ListSortAndPage(t *testing.T) {
	for name, open := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			for _, r := range []*Record{
				storedRecord("patient", "a", map[string]interface{}{"name": "Rina", "age": int64(40)}),
				storedRecord("patient", "b", map[string]interface{}{"name": "Abul"}),
				storedRecord("patient", "c", map[string]interface{}{"name": "Mita", "age": int64(25)}),
				storedRecord("patient", "d", map[string]interface{}{"name": "Zaman", "age": int64(61)}),
				storedRecord("nutrition-state", "x", map[string]interface{}{"name": "Stable"}),
			} {
				if err := repo.Create(ctx, r); err != nil {
					t.Fatalf("Create(%s) error: %v", r.ID, err)
				}
			}

			tests := []struct {
				name  string
				query ListQuery
				want  []string
			}{
				{"by id", ListQuery{Limit: 10, Sort: []pagination.Sort{{Field: "id"}}}, []string{"a", "b", "c", "d"}},
				{"by name desc", ListQuery{Limit: 10, Sort: []pagination.Sort{{Field: "name", Desc: true}}}, []string{"d", "a", "c", "b"}},
				{"age asc nulls last", ListQuery{Limit: 10, Sort: []pagination.Sort{{Field: "age"}}}, []string{"c", "a", "d", "b"}},
				{"age desc nulls last", ListQuery{Limit: 10, Sort: []pagination.Sort{{Field: "age", Desc: true}}}, []string{"d", "a", "c", "b"}},
				{"second page", ListQuery{Limit: 2, Offset: 2, Sort: []pagination.Sort{{Field: "id"}}}, []string{"c", "d"}},
				{"past the end", ListQuery{Limit: 2, Offset: 10, Sort: []pagination.Sort{{Field: "id"}}}, []string{}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					items, total, err := repo.List(ctx, "patient", tt.query)
					if err != nil {
						t.Fatalf("List() error: %v", err)
					}
					if total != 4 {
						t.Errorf("expected total 4, got %d", total)
					}
					if got := ids(items); !equalIDs(got, tt.want) {
						t.Errorf("expected %v, got %v", tt.want, got)
					}
				})
			}
		})
	}
}

func TestRepository_Missing(t *testing.T) {
	for name, open := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			repo.Create(ctx, storedRecord("supplements", "s1", map[string]interface{}{"name": "Zinc"}))
			repo.Create(ctx, storedRecord("diet-nature", "s2", map[string]interface{}{"name": "Soft"}))

			missing, err := repo.Missing(ctx, "supplements", []string{"s1", "s2", "s3"})
			if err != nil {
				t.Fatalf("Missing() error: %v", err)
			}
			if !equalIDs(missing, []string{"s2", "s3"}) {
				t.Errorf("expected [s2 s3], got %v", missing)
			}

			missing, err = repo.Missing(ctx, "supplements", nil)
			if err != nil || len(missing) != 0 {
				t.Errorf("expected nothing missing for no ids, got %v %v", missing, err)
			}
		})
	}
}

func TestSQLiteStore_InTxRollback(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context) error {
		if err := store.Create(ctx, storedRecord("diet-nature", "d1", map[string]interface{}{"name": "Soft"})); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.Get(ctx, "diet-nature", "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rollback, got %v", err)
	}

	err = store.InTx(ctx, func(ctx context.Context) error {
		return store.Create(ctx, storedRecord("diet-nature", "d2", map[string]interface{}{"name": "Liquid"}))
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}
	if _, err := store.Get(ctx, "diet-nature", "d2"); err != nil {
		t.Errorf("expected committed record, got %v", err)
	}
}

func TestSQLiteStore_DuplicateID(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	rec := storedRecord("diet-nature", "d1", map[string]interface{}{"name": "Soft"})
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Create(ctx, rec); err == nil {
		t.Error("expected primary key violation")
	}
}

func TestSQLiteStore_ReopenKeepsRecords(t *testing.T) {
	path := t.TempDir() + "/nested/dietics.db"
	store, err := OpenSQLite(path, migrations.SQLite())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	store.Create(context.Background(), storedRecord("supplements", "s1", map[string]interface{}{"name": "Iron"}))
	store.Close()

	store, err = OpenSQLite(path, migrations.SQLite())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer store.Close()
	if _, err := store.Get(context.Background(), "supplements", "s1"); err != nil {
		t.Errorf("expected record after reopen, got %v", err)
	}
}

func TestService_OnSQLite(t *testing.T) {
	reg, err := DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(reg, openTestSQLite(t), zerolog.Nop())
	ctx := context.Background()

	state := NewRecord("nutrition-state")
	state.Fields["name"] = "Stable"
	state, err = svc.Create(ctx, "nutrition-state", state)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	p := NewRecord("patient")
	p.Fields["name"] = "Karim"
	p.Fields["age"] = int64(54)
	p.Links["nutritionState"] = []string{state.ID}
	p, err = svc.Create(ctx, "patient", p)
	if err != nil {
		t.Fatalf("Create(patient) error: %v", err)
	}

	doc, err := svc.Detail(ctx, "patient", p.ID)
	if err != nil {
		t.Fatalf("Detail() error: %v", err)
	}
	if doc["age"] != int64(54) {
		t.Errorf("expected age normalized to int64, got %T %v", doc["age"], doc["age"])
	}
	if ref, ok := doc["nutritionState"].(Ref); !ok || ref.Display != "Stable" {
		t.Errorf("expected resolved nutritionState ref, got %v", doc["nutritionState"])
	}

	bad := NewRecord("patient")
	bad.Links["nutritionState"] = []string{"ghost"}
	if _, err := svc.Create(ctx, "patient", bad); !errors.Is(err, ErrUnknownReference) {
		t.Errorf("expected ErrUnknownReference, got %v", err)
	}
	if _, total, _ := svc.List(ctx, "patient", ListQuery{}); total != 1 {
		t.Errorf("rejected create must not be stored, total %d", total)
	}
}
