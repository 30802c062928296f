package workbook

import (
	"fmt"
	"strings"
)

// Column maps one field of T to a named spreadsheet column.
type Column[T any] struct {
	Name  string
	Value func(T) string
}

// Grid is the header-plus-rows form of a sheet before serialization.
type Grid struct {
	Header []string
	Rows   [][]string
}

// BuildGrid creates a Grid with one header cell per column and one row per item, in input order.
func BuildGrid[T any](columns []Column[T], items []T) (Grid, error) {
	if len(columns) == 0 {
		return Grid{}, fmt.Errorf("no columns defined")
	}

	index := map[string]bool{}
	header := make([]string, 0, len(columns))
	for i, column := range columns {
		name := strings.TrimSpace(column.Name)
		if name == "" {
			return Grid{}, fmt.Errorf("column %d has no name", i)
		}
		if column.Value == nil {
			return Grid{}, fmt.Errorf("column '%s' has no value mapping", name)
		}

		k := strings.ToLower(name)
		if index[k] {
			return Grid{}, fmt.Errorf("duplicate column name '%s'", name)
		}
		index[k] = true

		header = append(header, name)
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		row := make([]string, 0, len(columns))
		for _, column := range columns {
			row = append(row, column.Value(item))
		}
		rows = append(rows, row)
	}

	return Grid{
		Header: header,
		Rows:   rows,
	}, nil
}

// Width is the number of columns.
func (g Grid) Width() int {
	return len(g.Header)
}

// Len is the number of rows including the header row.
func (g Grid) Len() int {
	return len(g.Rows) + 1
}

// Validate checks that every row has exactly one cell per header column.
func (g Grid) Validate() error {
	if len(g.Header) == 0 {
		return fmt.Errorf("missing header row")
	}

	for i, row := range g.Rows {
		if len(row) != len(g.Header) {
			return fmt.Errorf("row %d has %d cells, expected %d", i+1, len(row), len(g.Header))
		}
	}

	return nil
}
