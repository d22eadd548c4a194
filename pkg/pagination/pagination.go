package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Sort is a single ordering term taken from a "sort=field,dir" parameter.
type Sort struct {
	Field string
	Desc  bool
}

func (s Sort) String() string {
	if s.Desc {
		return s.Field + ",desc"
	}
	return s.Field + ",asc"
}

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
	Sort   []Sort
}

// FromContext extracts pagination parameters from the echo context.
// Both limit/offset and page/size styles are accepted; page is zero-based.
func FromContext(c echo.Context) Params {
	q := c.QueryParams()

	limit, _ := strconv.Atoi(q.Get("size"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(q.Get("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(q.Get("offset"))
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		offset = page * limit
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset, Sort: ParseSort(q["sort"])}
}

// ParseSort parses repeated "field,dir" values. Direction defaults to
// ascending; empty fields are dropped.
func ParseSort(values []string) []Sort {
	var out []Sort
	for _, v := range values {
		parts := strings.Split(v, ",")
		field := strings.TrimSpace(parts[0])
		if field == "" {
			continue
		}
		s := Sort{Field: field}
		if len(parts) > 1 && strings.EqualFold(strings.TrimSpace(parts[1]), "desc") {
			s.Desc = true
		}
		out = append(out, s)
	}
	return out
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// LinkHeader builds an RFC 8288 Link header value with next/prev/first
// relations for a list endpoint at basePath.
func (p Params) LinkHeader(basePath string, total int) string {
	link := func(offset int, rel string) string {
		v := url.Values{}
		v.Set("limit", strconv.Itoa(p.Limit))
		v.Set("offset", strconv.Itoa(offset))
		for _, s := range p.Sort {
			v.Add("sort", s.String())
		}
		return fmt.Sprintf("<%s?%s>; rel=%q", basePath, v.Encode(), rel)
	}

	links := []string{link(0, "first")}
	if p.HasPrevious() {
		links = append(links, link(p.PreviousOffset(), "prev"))
	}
	if p.HasNext(total) {
		links = append(links, link(p.NextOffset(), "next"))
	}
	return strings.Join(links, ", ")
}

// SetHeaders writes X-Total-Count and Link headers for a page of results.
func SetHeaders(c echo.Context, p Params, total int) {
	h := c.Response().Header()
	h.Set("X-Total-Count", strconv.Itoa(total))
	h.Set("Link", p.LinkHeader(c.Request().URL.Path, total))
}
