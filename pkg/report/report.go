// Package report writes search results to CSV files.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/Sternrassler/risksense-client/pkg/logging"
)

// FileName returns the report file name for an operation, e.g. "search_hosts.csv".
func FileName(operation string) string {
	return operation + ".csv"
}

// WriteCSV writes records as CSV to path. Nested objects become dotted
// columns ("host.name") and arrays are written as JSON text. With no columns
// given, the header is the sorted union of all record keys. The file is
// replaced atomically.
func WriteCSV(path string, records []json.RawMessage, columns []string) error {
	rows := make([]map[string]string, 0, len(records))
	for i, raw := range records {
		row, err := Flatten(raw)
		if err != nil {
			return fmt.Errorf("write report %s: record %d: %w", path, i, err)
		}
		rows = append(rows, row)
	}

	if len(columns) == 0 {
		columns = unionKeys(rows)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	line := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			line[i] = row[col]
		}
		if err := w.Write(line); err != nil {
			return fmt.Errorf("write report %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("write report %s: %w", path, err)
		}
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}

	logger := logging.NewLogger(logging.ComponentReport)
	logger.Debug().
		Str("path", path).
		Int("rows", len(rows)).
		Int("columns", len(columns)).
		Msg("Report written")

	return nil
}

// Flatten turns one JSON record into column/value pairs. A record that is
// not an object is returned under the "value" column.
func Flatten(raw json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	row := make(map[string]string)
	if obj, ok := v.(map[string]any); ok {
		flattenInto(row, "", obj)
		return row, nil
	}

	s, err := cell(v)
	if err != nil {
		return nil, err
	}
	row["value"] = s
	return row, nil
}

func flattenInto(row map[string]string, prefix string, obj map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(row, key, nested)
			continue
		}
		// Values decoded from valid JSON always re-encode.
		row[key], _ = cell(v)
	}
}

func cell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func unionKeys(rows []map[string]string) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
