package search

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned before any network call when a request
// violates page >= 0, size > 0 or names an unknown projection or direction.
var ErrInvalidRequest = errors.New("invalid search request")

// Projection selects how much detail the server includes per record.
type Projection string

const (
	ProjectionBasic  Projection = "BASIC"
	ProjectionDetail Projection = "DETAIL"
)

// SortDirection orders a sort field.
type SortDirection string

const (
	Ascending  SortDirection = "ASC"
	Descending SortDirection = "DESC"
)

const (
	// DefaultPageSize is used when SearchOptions.PageSize is zero.
	DefaultPageSize = 1000
)

// SortField is one entry of the sort list.
type SortField struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// SearchRequest is the body POSTed to a subject's search endpoint.
type SearchRequest struct {
	Filters    []Filter    `json:"filters"`
	Projection Projection  `json:"projection"`
	Sort       []SortField `json:"sort,omitempty"`
	Page       int         `json:"page"`
	Size       int         `json:"size"`
}

// Validate checks the request invariants.
func (r SearchRequest) Validate() error {
	if r.Page < 0 {
		return fmt.Errorf("%w: page must be >= 0, got %d", ErrInvalidRequest, r.Page)
	}
	if r.Size <= 0 {
		return fmt.Errorf("%w: size must be > 0, got %d", ErrInvalidRequest, r.Size)
	}
	switch r.Projection {
	case ProjectionBasic, ProjectionDetail:
	default:
		return fmt.Errorf("%w: unknown projection %q", ErrInvalidRequest, r.Projection)
	}
	for _, s := range r.Sort {
		if s.Direction != Ascending && s.Direction != Descending {
			return fmt.Errorf("%w: unknown sort direction %q for field %q", ErrInvalidRequest, s.Direction, s.Field)
		}
	}
	return nil
}

// body returns a copy safe to marshal: a nil filter list is sent as [].
func (r SearchRequest) body() SearchRequest {
	if r.Filters == nil {
		r.Filters = []Filter{}
	}
	return r
}

// PageMetadata is the "page" block of the response envelope.
type PageMetadata struct {
	Size          int `json:"size"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
	Number        int `json:"number"`
}

// Page is one search response. Records stay raw, in server order.
type Page struct {
	Embedded map[string][]json.RawMessage `json:"_embedded"`
	Page     PageMetadata                 `json:"page"`
}

// Records returns the records embedded under the subject's plural key.
func (p *Page) Records(plural string) []json.RawMessage {
	if p == nil {
		return nil
	}
	return p.Embedded[plural]
}

// PageInfo is the total record and page count of a search.
type PageInfo struct {
	TotalCount int
	TotalPages int
}

// SearchOptions configures a multi-page search.
type SearchOptions struct {
	Filters    []Filter
	Projection Projection
	PageSize   int
	Sort       []SortField
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.Projection == "" {
		o.Projection = ProjectionDetail
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	return o
}

// Stages reported by StageError.
const (
	StagePlan  = "plan"
	StageFetch = "fetch"
)

// StageError reports which stage of a search failed. Page is set for the
// fetch stage only.
type StageError struct {
	Stage   string
	Subject string
	Page    int
	Err     error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Stage == StageFetch {
		return fmt.Sprintf("search %s: fetch page %d: %v", e.Subject, e.Page, e.Err)
	}
	return fmt.Sprintf("search %s: %s: %v", e.Subject, e.Stage, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StageError) Unwrap() error {
	return e.Err
}
