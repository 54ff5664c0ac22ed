package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Filter is a search predicate held as the JSON object the caller supplied.
// The client never interprets it: whatever keys and value types it carries
// are sent to the server unchanged, apart from insignificant whitespace.
type Filter struct {
	raw json.RawMessage
}

// NewFilter builds a filter in the common {field, exclusive, operator, value}
// form.
func NewFilter(field, operator, value string, exclusive bool) Filter {
	raw, _ := json.Marshal(struct {
		Field     string `json:"field"`
		Exclusive bool   `json:"exclusive"`
		Operator  string `json:"operator"`
		Value     string `json:"value"`
	}{field, exclusive, operator, value})
	return Filter{raw: raw}
}

// RawFilter wraps a JSON object as a filter.
func RawFilter(data []byte) (Filter, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return Filter{}, fmt.Errorf("%w: filter: %v", ErrInvalidRequest, err)
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '{' {
		return Filter{}, fmt.Errorf("%w: filter must be a JSON object, got %s", ErrInvalidRequest, buf.String())
	}
	return Filter{raw: buf.Bytes()}, nil
}

// Raw returns a copy of the filter's JSON.
func (f Filter) Raw() json.RawMessage {
	return bytes.Clone(f.raw)
}

// Field returns the "field" key when it is a string, else "".
func (f Filter) Field() string {
	return f.stringKey("field")
}

// Operator returns the "operator" key when it is a string, else "".
func (f Filter) Operator() string {
	return f.stringKey("operator")
}

func (f Filter) stringKey(key string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(f.raw, &obj); err != nil {
		return ""
	}
	var s string
	if v, ok := obj[key]; !ok || json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

// Equal reports whether both filters hold the same JSON bytes.
func (f Filter) Equal(other Filter) bool {
	return bytes.Equal(f.raw, other.raw)
}

// MarshalJSON returns the stored object. The zero Filter encodes as {}.
func (f Filter) MarshalJSON() ([]byte, error) {
	if len(f.raw) == 0 {
		return []byte("{}"), nil
	}
	return f.raw, nil
}

// UnmarshalJSON keeps data as is; it must be a JSON object.
func (f *Filter) UnmarshalJSON(data []byte) error {
	parsed, err := RawFilter(data)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// LoadFilters reads a filter list from a JSON file. Comments and trailing
// commas are allowed. The file holds either a bare array or an object with
// a "filters" array.
func LoadFilters(path string) ([]Filter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filters: %w", err)
	}

	filters, err := ParseFilters(data)
	if err != nil {
		return nil, fmt.Errorf("parse filters %s: %w", path, err)
	}
	return filters, nil
}

// ParseFilters decodes a JSONC filter document.
func ParseFilters(data []byte) ([]Filter, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}

	std = bytes.TrimSpace(std)
	if len(std) == 0 {
		return []Filter{}, nil
	}

	if std[0] == '[' {
		var filters []Filter
		if err := json.Unmarshal(std, &filters); err != nil {
			return nil, err
		}
		return filters, nil
	}

	var doc struct {
		Filters []Filter `json:"filters"`
	}
	if err := json.Unmarshal(std, &doc); err != nil {
		return nil, err
	}
	if doc.Filters == nil {
		return []Filter{}, nil
	}
	return doc.Filters, nil
}
