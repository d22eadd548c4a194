//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/morshed/dietics/internal/entity"
	"github.com/morshed/dietics/internal/platform/auth"
	"github.com/morshed/dietics/internal/platform/db"
)

// newTenantServer serves the default catalog over Postgres with the tenant
// taken from X-Tenant-ID.
func newTenantServer(t *testing.T) *echo.Echo {
	t.Helper()
	reg, err := entity.DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}
	e := echo.New()
	asAdmin := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, []string{auth.RoleAdmin})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
	api := e.Group("/api", asAdmin, db.TenantMiddleware(globalPool, "default"))
	svc := entity.NewService(reg, entity.NewRecordRepoPG(globalPool), zerolog.Nop())
	entity.NewHandler(svc).RegisterRoutes(api)
	return e
}

func call(e *echo.Echo, method, path, tenant, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Tenant-ID", tenant)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMultiTenantIsolation(t *testing.T) {
	ctx := context.Background()
	tenantA := uniqueTenantID("ward_a")
	tenantB := uniqueTenantID("ward_b")
	createTenantSchema(t, ctx, tenantA)
	createTenantSchema(t, ctx, tenantB)

	e := newTenantServer(t)

	for _, name := range []string{"Alice", "Bob"} {
		if rec := call(e, http.MethodPost, "/api/patients", tenantA, `{"name":"`+name+`"}`); rec.Code != http.StatusCreated {
			t.Fatalf("create in tenant A: %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := call(e, http.MethodPost, "/api/patients", tenantB, `{"name":"Charlie"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create in tenant B: %d %s", rec.Code, rec.Body.String())
	}
	var charlie map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &charlie)

	if got := call(e, http.MethodGet, "/api/patients", tenantA, "").Header().Get("X-Total-Count"); got != "2" {
		t.Errorf("tenant A: expected 2 patients, got %s", got)
	}
	if got := call(e, http.MethodGet, "/api/patients", tenantB, "").Header().Get("X-Total-Count"); got != "1" {
		t.Errorf("tenant B: expected 1 patient, got %s", got)
	}

	id := charlie["id"].(string)
	if rec := call(e, http.MethodGet, "/api/patients/"+id, tenantA, ""); rec.Code != http.StatusNotFound {
		t.Errorf("tenant A must not see tenant B records, got %d", rec.Code)
	}
	if rec := call(e, http.MethodGet, "/api/patients/"+id, tenantB, ""); rec.Code != http.StatusOK {
		t.Errorf("tenant B should see its record, got %d", rec.Code)
	}

	// a link to another tenant's record is dangling
	body := `{"name":"Dora","nutritionState":"` + id + `"}`
	if rec := call(e, http.MethodPost, "/api/patients", tenantA, body); rec.Code != http.StatusBadRequest {
		t.Errorf("cross-tenant link: expected 400, got %d", rec.Code)
	}
}

func TestTenantMiddleware_InvalidTenant(t *testing.T) {
	e := newTenantServer(t)
	if rec := call(e, http.MethodGet, "/api/patients", "ward-a;drop", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid tenant, got %d", rec.Code)
	}
}
