// Package workbook turns a Grid into a single-sheet xlsx document and back.
//
// All cells are written as strings. No number, date or formula typing is inferred
// from the cell values.
package workbook

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// DefaultSheetName is the sheet name used when EncodeOptions.SheetName is empty.
const DefaultSheetName = "SheetName"

// EncodeOptions ...
type EncodeOptions struct {
	SheetName string
	// RejectEmpty makes Encode fail with EmptyInputError for a grid without data rows.
	// When false, such a grid is encoded as a header-only sheet.
	RejectEmpty bool
}

// EncodingError reports that the document could not be serialized.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode workbook: %s", e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// EmptyInputError is returned when RejectEmpty is set and there is nothing to encode.
type EmptyInputError struct{}

func (e *EmptyInputError) Error() string {
	return "no records to encode"
}

// Encode serializes the grid into an xlsx document with exactly one sheet.
func Encode(grid Grid, opts EncodeOptions) ([]byte, error) {
	if err := grid.Validate(); err != nil {
		return nil, &EncodingError{Err: err}
	}
	if opts.RejectEmpty && len(grid.Rows) == 0 {
		return nil, &EmptyInputError{}
	}

	name := opts.SheetName
	if name == "" {
		name = DefaultSheetName
	}

	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
		return nil, &EncodingError{Err: fmt.Errorf("sheet name '%s': %w", name, err)}
	}

	sw, err := f.NewStreamWriter(name)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}

	if err := writeRow(sw, 1, grid.Header); err != nil {
		return nil, &EncodingError{Err: err}
	}
	for i, row := range grid.Rows {
		if err := writeRow(sw, i+2, row); err != nil {
			return nil, &EncodingError{Err: err}
		}
	}

	if err := sw.Flush(); err != nil {
		return nil, &EncodingError{Err: err}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, &EncodingError{Err: err}
	}

	return buf.Bytes(), nil
}

// Decode reads the named sheet of an xlsx document back into a Grid.
// The first row is the header; shorter rows are padded to the header width.
// Trailing rows without any value are not stored in the sheet, so they are missing from the result.
func Decode(document []byte, sheetName string) (Grid, error) {
	if sheetName == "" {
		sheetName = DefaultSheetName
	}

	f, err := excelize.OpenReader(bytes.NewReader(document))
	if err != nil {
		return Grid{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close() //nolint:errcheck

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return Grid{}, fmt.Errorf("read sheet '%s': %w", sheetName, err)
	}
	if len(rows) == 0 {
		return Grid{}, fmt.Errorf("sheet '%s' is empty", sheetName)
	}

	header := rows[0]
	records := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make([]string, len(header))
		copy(record, row)
		records = append(records, record)
	}

	return Grid{
		Header: header,
		Rows:   records,
	}, nil
}

// SheetNames lists the sheets of an xlsx document in workbook order.
func SheetNames(document []byte) ([]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close() //nolint:errcheck

	return f.GetSheetList(), nil
}

func writeRow(sw *excelize.StreamWriter, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}

	cells := make([]interface{}, 0, len(values))
	for i, v := range values {
		if err := validateCell(v); err != nil {
			name, _ := excelize.CoordinatesToCellName(i+1, row)
			return fmt.Errorf("cell %s (row %d, column %d): %w", name, row, i+1, err)
		}
		cells = append(cells, v)
	}

	return sw.SetRow(cell, cells)
}

// validateCell rejects values the sheet cannot store unchanged.
func validateCell(value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("value is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(value); n > excelize.TotalCellChars {
		return fmt.Errorf("value has %d characters, the limit is %d", n, excelize.TotalCellChars)
	}
	for _, r := range value {
		if !isXMLChar(r) {
			return fmt.Errorf("value contains character %U not allowed in XML", r)
		}
	}
	return nil
}

// isXMLChar reports whether r is in the XML 1.0 Char production.
func isXMLChar(r rune) bool {
	switch {
	case r == '\t', r == '\n', r == '\r':
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= utf8.MaxRune:
		return true
	}
	return false
}
