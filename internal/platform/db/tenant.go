package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var (
	tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	schemaPattern   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// SchemaName returns the PostgreSQL schema holding a tenant's records.
func SchemaName(tenantID string) string {
	return "tenant_" + strings.ToLower(tenantID)
}

// TenantMiddleware resolves the tenant of each request and pins a pooled
// connection whose search_path points at the tenant schema.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, ok := requestTenant(c, defaultTenant)
			if !ok {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}
			err := pinned(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				bindTenant(c, ctx, tenantID)
				return next(c)
			})
			var pe *pinError
			if errors.As(err, &pe) {
				return echo.NewHTTPError(pe.status, pe.msg).SetInternal(pe.err)
			}
			return err
		}
	}
}

// TenantTagMiddleware records the tenant of each request without pinning a
// connection. The embedded storage drivers keep a single namespace.
func TenantTagMiddleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, ok := requestTenant(c, defaultTenant)
			if !ok {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}
			bindTenant(c, context.WithValue(c.Request().Context(), TenantIDKey, tenantID), tenantID)
			return next(c)
		}
	}
}

// WithTenantConn runs fn with a connection pinned to the tenant schema, the
// way TenantMiddleware does for a request.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	err := pinned(ctx, pool, tenantID, fn)
	var pe *pinError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %w", pe.msg, pe.err)
	}
	return err
}

// ValidTenantID reports whether id can name a tenant schema.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// pinError marks a failure to prepare the connection, as opposed to an
// error returned by the wrapped function.
type pinError struct {
	status int
	msg    string
	err    error
}

func (e *pinError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *pinError) Unwrap() error { return e.err }

// pinned acquires a connection, points its search_path at the tenant
// schema for the duration of fn, and resets it before release.
func pinned(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &pinError{http.StatusServiceUnavailable, "database unavailable", err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID))); err != nil {
		return &pinError{http.StatusInternalServerError, "tenant resolution failed", err}
	}
	defer conn.Exec(context.Background(), "RESET search_path")

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

func requestTenant(c echo.Context, defaultTenant string) (string, bool) {
	id := extractTenantID(c, defaultTenant)
	return id, ValidTenantID(id)
}

func bindTenant(c echo.Context, ctx context.Context, tenantID string) {
	c.SetRequest(c.Request().WithContext(ctx))
	c.Set("tenant_id", tenantID)
}

// extractTenantID prefers the token claim, then the X-Tenant-ID header,
// then the tenant_id query parameter.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema of a tenant and applies the
// migrations in fsys to it. A nil fsys only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, fsys fs.FS) (int, error) {
	if !ValidTenantID(tenantID) {
		return 0, fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	schema := SchemaName(tenantID)

	if fsys == nil {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return 0, fmt.Errorf("create schema %s: %w", schema, err)
		}
		return 0, nil
	}

	n, err := NewMigrator(pool, fsys).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("migrate %s: %w", schema, err)
	}
	return n, nil
}
