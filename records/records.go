// Package records provides the flat customer records that end up in the uploaded sheet.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/bitrise-io/go-sheetupload/workbook"
	"github.com/bmatcuk/doublestar/v4"
)

// Record is one row of the sheet.
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// Columns is the record to sheet column mapping, in sheet order.
var Columns = []workbook.Column[Record]{
	{Name: "Id", Value: func(r Record) string { return r.ID }},
	{Name: "Name", Value: func(r Record) string { return r.Name }},
	{Name: "City", Value: func(r Record) string { return r.City }},
	{Name: "Country", Value: func(r Record) string { return r.Country }},
}

// Source supplies an ordered collection of records.
type Source interface {
	Records(ctx context.Context) ([]Record, error)
}

// Static is a Source backed by an in-memory list.
type Static []Record

// Records returns a copy of the list.
func (s Static) Records(context.Context) ([]Record, error) {
	records := make([]Record, len(s))
	copy(records, s)
	return records, nil
}

// Default returns the built-in record list.
func Default() Static {
	return Static{
		{ID: "1001", Name: "ABCD", City: "City1", Country: "USA"},
		{ID: "1002", Name: "PQRS", City: "City2", Country: "INDIA"},
		{ID: "1003", Name: "XYZZ", City: "City3", Country: "CHINA"},
		{ID: "1004", Name: "LMNO", City: "City4", Country: "UK"},
	}
}

// Files is a Source that reads JSON arrays of records from every file under Root matching Pattern.
// Pattern supports doublestar globs, e.g. "**/*.json". Files are read in lexical path order.
type Files struct {
	Root    string
	Pattern string
	fsys    fs.FS
}

// NewFiles ...
func NewFiles(root, pattern string) Files {
	return Files{Root: root, Pattern: pattern}
}

// Records ...
func (f Files) Records(ctx context.Context) ([]Record, error) {
	fsys := f.fsys
	if fsys == nil {
		fsys = os.DirFS(f.Root)
	}

	if !doublestar.ValidatePattern(f.Pattern) {
		return nil, fmt.Errorf("invalid record file pattern: %s", f.Pattern)
	}

	matches, err := doublestar.Glob(fsys, f.Pattern)
	if err != nil {
		return nil, fmt.Errorf("match record files: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no record files match %s in %s", f.Pattern, f.Root)
	}
	sort.Strings(matches)

	var records []Record
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b, err := fs.ReadFile(fsys, match)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", match, err)
		}

		var fileRecords []Record
		if err := json.Unmarshal(b, &fileRecords); err != nil {
			return nil, fmt.Errorf("parse %s: %w", match, err)
		}

		records = append(records, fileRecords...)
	}

	return records, nil
}
