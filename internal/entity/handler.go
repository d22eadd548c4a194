package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/morshed/dietics/internal/platform/auth"
	"github.com/morshed/dietics/pkg/pagination"
)

// Alert headers carry a short outcome message for the client UI.
const (
	AlertHeader  = "X-App-Alert"
	ParamsHeader = "X-App-Params"
	ErrorHeader  = "X-App-Error"
)

// Handler serves the REST and form endpoints of every entity in the registry.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the catalog endpoints and, for each entity path
// P, the CRUD routes under /P plus its form routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "dietician", "viewer"))
	write := api.Group("", auth.RequireRole("admin", "dietician"))

	read.GET("/entities", h.Entities)
	read.GET("/schemas", h.Schemas)
	read.GET("/schemas/:entity", h.Schema)

	for _, s := range h.svc.Registry().Schemas() {
		p := "/" + s.Path

		read.GET(p, h.List(s))
		read.GET(p+"/form", h.NewForm(s))
		read.GET(p+"/:id", h.Get(s))
		read.GET(p+"/:id/form", h.EditForm(s))

		write.POST(p, h.Create(s))
		write.POST(p+"/form", h.SaveForm(s))
		write.PUT(p+"/:id", h.Update(s))
		write.PATCH(p+"/:id", h.Patch(s))
		write.DELETE(p+"/:id", h.Delete(s))
	}
}

func (h *Handler) Entities(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Registry().Routes())
}

func (h *Handler) Schemas(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Registry().Schemas())
}

func (h *Handler) Schema(c echo.Context) error {
	reg := h.svc.Registry()
	s, err := reg.Lookup(c.Param("entity"))
	if err != nil {
		if s, err = reg.ByPath(c.Param("entity")); err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "unknown entity")
		}
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Create(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := decodeBody(c, s)
		if err != nil {
			return httpError(c, err)
		}
		saved, err := h.svc.Create(c.Request().Context(), s.Name, rec)
		if err != nil {
			return httpError(c, err)
		}
		doc, err := h.svc.Detail(c.Request().Context(), s.Name, saved.ID)
		if err != nil {
			return httpError(c, err)
		}
		alert(c, s, "created", saved.ID)
		c.Response().Header().Set(echo.HeaderLocation, c.Request().URL.Path+"/"+saved.ID)
		return c.JSON(http.StatusCreated, doc)
	}
}

func (h *Handler) Get(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		doc, err := h.svc.Detail(c.Request().Context(), s.Name, c.Param("id"))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, doc)
	}
}

func (h *Handler) List(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		pg := pagination.FromContext(c)
		docs, total, err := h.svc.ListDocuments(c.Request().Context(), s.Name, ListQuery{
			Limit:  pg.Limit,
			Offset: pg.Offset,
			Sort:   pg.Sort,
		})
		if err != nil {
			return httpError(c, err)
		}
		pagination.SetHeaders(c, pg, total)
		return c.JSON(http.StatusOK, pagination.NewResponse(docs, total, pg.Limit, pg.Offset))
	}
}

func (h *Handler) Update(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := decodeBody(c, s)
		if err != nil {
			return httpError(c, err)
		}
		saved, err := h.svc.Update(c.Request().Context(), s.Name, c.Param("id"), rec)
		if err != nil {
			return httpError(c, err)
		}
		doc, err := h.svc.Detail(c.Request().Context(), s.Name, saved.ID)
		if err != nil {
			return httpError(c, err)
		}
		alert(c, s, "updated", saved.ID)
		return c.JSON(http.StatusOK, doc)
	}
}

func (h *Handler) Patch(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := decodeBody(c, s)
		if err != nil {
			return httpError(c, err)
		}
		saved, err := h.svc.PartialUpdate(c.Request().Context(), s.Name, c.Param("id"), rec)
		if err != nil {
			return httpError(c, err)
		}
		doc, err := h.svc.Detail(c.Request().Context(), s.Name, saved.ID)
		if err != nil {
			return httpError(c, err)
		}
		alert(c, s, "updated", saved.ID)
		return c.JSON(http.StatusOK, doc)
	}
}

func (h *Handler) Delete(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if err := h.svc.Delete(c.Request().Context(), s.Name, id); err != nil {
			return httpError(c, err)
		}
		alert(c, s, "deleted", id)
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *Handler) NewForm(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := h.svc.OpenForm(c.Request().Context(), s.Name, "")
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, f.Document())
	}
}

func (h *Handler) EditForm(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := h.svc.OpenForm(c.Request().Context(), s.Name, c.Param("id"))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, f.Document())
	}
}

// SaveForm saves the submitted record through a form session and returns
// the session as it stands after the save.
func (h *Handler) SaveForm(s *Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		rec, err := decodeBody(c, s)
		if err != nil {
			return httpError(c, err)
		}

		f, err := h.svc.OpenForm(ctx, s.Name, rec.ID)
		if errors.Is(err, ErrNotFound) {
			return httpError(c, ErrIDNotFound)
		}
		if err != nil {
			return httpError(c, err)
		}

		creating := rec.ID == ""
		saved, err := f.Save(ctx, rec)
		if err != nil {
			return httpError(c, err)
		}
		if creating {
			alert(c, s, "created", saved.ID)
			return c.JSON(http.StatusCreated, f.Document())
		}
		alert(c, s, "updated", saved.ID)
		return c.JSON(http.StatusOK, f.Document())
	}
}

func decodeBody(c echo.Context, s *Schema) (*Record, error) {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		if errors.Is(err, io.EOF) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	if doc == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	return s.Decode(doc)
}

func alert(c echo.Context, s *Schema, action, id string) {
	h := c.Response().Header()
	h.Set(AlertHeader, fmt.Sprintf("A %s is %s with identifier %s", s.Name, action, id))
	h.Set(ParamsHeader, id)
}

// httpError maps service errors to HTTP errors. Unexpected errors are
// reported as 500 without detail.
func httpError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		c.Response().Header().Set(ErrorHeader, "error.validation")
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": verr.Error(),
			"error":   "validation",
			"issues":  verr.Issues,
		})
	}

	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			c.Response().Header().Set(ErrorHeader, "error."+m.key)
			return echo.NewHTTPError(m.status, map[string]interface{}{
				"message": err.Error(),
				"error":   m.key,
			})
		}
	}

	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

var errorCodes = []struct {
	err    error
	status int
	key    string
}{
	{ErrIDExists, http.StatusBadRequest, "idexists"},
	{ErrIDMissing, http.StatusBadRequest, "idnull"},
	{ErrIDMismatch, http.StatusBadRequest, "idinvalid"},
	{ErrIDNotFound, http.StatusBadRequest, "idnotfound"},
	{ErrUnknownReference, http.StatusBadRequest, "unknownreference"},
	{ErrNotFound, http.StatusNotFound, "notfound"},
	{ErrUnknownEntity, http.StatusNotFound, "unknownentity"},
}
