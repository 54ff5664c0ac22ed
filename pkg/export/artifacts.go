package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Artifact is one tabular file of an extracted export.
type Artifact struct {
	Path   string
	Header []string
	Rows   [][]string
}

// ReadArtifacts loads every .csv and .xlsx file below dir in lexical path
// order. Other files are skipped. For workbooks only the first sheet is read.
func ReadArtifacts(dir string) ([]Artifact, error) {
	var artifacts []Artifact

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		var rows [][]string
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			rows, err = readCSV(path)
		case ".xlsx":
			rows, err = readXLSX(path)
		default:
			return nil
		}
		if err != nil {
			return &LocalIOError{Op: "read artifact", Path: path, Err: err}
		}

		a := Artifact{Path: path}
		if len(rows) > 0 {
			a.Header = rows[0]
			a.Rows = rows[1:]
		}
		artifacts = append(artifacts, a)
		return nil
	})
	if err != nil {
		var ioErr *LocalIOError
		if errors.As(err, &ioErr) {
			return nil, err
		}
		return nil, &LocalIOError{Op: "walk", Path: dir, Err: err}
	}
	return artifacts, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, record)
	}
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}
