package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Page is a window onto a list whose order is fixed by the caller.
type Page struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing values take the defaults, a
// limit above MaxLimit is capped, and anything that is not a non-negative
// integer is an error.
func FromContext(c echo.Context) (Page, error) {
	p := Page{Limit: DefaultLimit}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Page{}, fmt.Errorf("invalid limit %q", v)
		}
		p.Limit = min(n, MaxLimit)
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid offset %q", v)
		}
		p.Offset = n
	}
	return p, nil
}

// HasNext reports whether rows remain after this page.
func (p Page) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

type Response[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewResponse wraps one page of items. A nil slice is rendered as [].
func NewResponse[T any](items []T, total int, p Page) *Response[T] {
	if items == nil {
		items = []T{}
	}
	return &Response[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}
