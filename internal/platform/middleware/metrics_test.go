package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics("dietics")
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/patients/:id", okHandler)
	e.GET("/api/broken", func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) })

	for _, p := range []string{"/api/patients/1", "/api/patients/2", "/api/broken"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/patients/:id", "200")); got != 2 {
		t.Errorf("expected 2 requests for patient route, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/broken", "404")); got != 1 {
		t.Errorf("expected 1 not found request, got %v", got)
	}
}

func TestMetrics_ObserveOp(t *testing.T) {
	m := NewMetrics("dietics")
	m.ObserveOp("patient", "create", nil, time.Millisecond)
	m.ObserveOp("patient", "create", errors.New("boom"), time.Millisecond)
	m.ObserveOp("patient", "create", nil, time.Millisecond)

	if got := testutil.ToFloat64(m.opsTotal.WithLabelValues("patient", "create", "ok")); got != 2 {
		t.Errorf("expected 2 ok ops, got %v", got)
	}
	if got := testutil.ToFloat64(m.opsTotal.WithLabelValues("patient", "create", "error")); got != 1 {
		t.Errorf("expected 1 failed op, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("dietics")
	m.ObserveOp("diet-nature", "list", nil, time.Millisecond)

	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `dietics_entity_operations_total{entity="diet-nature",operation="list",status="ok"} 1`) {
		t.Errorf("expected operation counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected go runtime metrics")
	}
}
