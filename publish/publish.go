// Package publish turns a record source into a spreadsheet and uploads it.
package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-sheetupload/records"
	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-sheetupload/workbook"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Input ...
type Input struct {
	// Identity owns the destination, a UPN for OneDrive or a key segment for S3.
	Identity  string
	Path      string
	SheetName string
	// RejectEmpty fails on an empty record collection instead of uploading a header-only sheet.
	RejectEmpty bool
}

// Result ...
type Result struct {
	Item        *chunkuploader.Item
	RecordCount int
	Size        int64
}

// RecordsError reports that the record source could not provide the records.
type RecordsError struct {
	Err error
}

func (e *RecordsError) Error() string {
	return fmt.Sprintf("read records: %s", e.Err)
}

func (e *RecordsError) Unwrap() error {
	return e.Err
}

// Uploader is implemented by chunkuploader.Uploader.
type Uploader interface {
	Upload(ctx context.Context, target chunkuploader.Target, document []byte) (*chunkuploader.Item, error)
}

// Publisher ...
type Publisher struct {
	source   records.Source
	uploader Uploader
	logger   log.Logger
}

// NewPublisher ...
func NewPublisher(source records.Source, uploader Uploader, logger log.Logger) *Publisher {
	return &Publisher{
		source:   source,
		uploader: uploader,
		logger:   logger,
	}
}

// Publish reads the records, encodes them into a single sheet workbook,
// checks that the workbook reads back to the same grid and uploads it.
func (p *Publisher) Publish(ctx context.Context, input Input) (Result, error) {
	if strings.TrimSpace(input.Path) == "" {
		return Result{}, fmt.Errorf("destination path should not be empty")
	}
	sheetName := input.SheetName
	if sheetName == "" {
		sheetName = workbook.DefaultSheetName
	}

	p.logger.Println()
	p.logger.Infof("Reading records...")
	items, err := p.source.Records(ctx)
	if err != nil {
		return Result{}, &RecordsError{Err: err}
	}
	p.logger.Donef("%d records read", len(items))

	grid, err := workbook.BuildGrid(records.Columns, items)
	if err != nil {
		return Result{}, &workbook.EncodingError{Err: fmt.Errorf("build grid: %w", err)}
	}

	p.logger.Println()
	p.logger.Infof("Creating workbook...")
	encodeStartTime := time.Now()
	document, err := workbook.Encode(grid, workbook.EncodeOptions{SheetName: sheetName, RejectEmpty: input.RejectEmpty})
	if err != nil {
		return Result{}, err
	}
	p.logger.Donef("Workbook created in %s", time.Since(encodeStartTime).Round(time.Millisecond))
	p.logger.Printf("Workbook size: %s", units.HumanSizeWithPrecision(float64(len(document)), 3))

	if err := verify(document, sheetName, grid); err != nil {
		return Result{}, err
	}
	p.logger.Debugf("Workbook verified: sheet %s, %d rows", sheetName, grid.Len())

	p.logger.Println()
	p.logger.Infof("Uploading workbook to %s...", input.Path)
	uploadStartTime := time.Now()
	item, err := p.uploader.Upload(ctx, chunkuploader.Target{Identity: input.Identity, Path: input.Path}, document)
	if err != nil {
		return Result{}, fmt.Errorf("upload failed: %w", err)
	}
	p.logger.Donef("Workbook uploaded in %s", time.Since(uploadStartTime).Round(time.Second))
	if item.WebURL != "" {
		p.logger.Printf("Item URL: %s", item.WebURL)
	}
	if item.ID != "" {
		p.logger.Debugf("Item ID: %s", item.ID)
	}

	return Result{
		Item:        item,
		RecordCount: len(items),
		Size:        int64(len(document)),
	}, nil
}

func verify(document []byte, sheetName string, want workbook.Grid) error {
	got, err := workbook.Decode(document, sheetName)
	if err != nil {
		return &workbook.EncodingError{Err: fmt.Errorf("read back workbook: %w", err)}
	}

	// Trailing rows without any value are not stored in the sheet.
	if len(got.Header) != len(want.Header) || len(got.Rows) > len(want.Rows) {
		return &workbook.EncodingError{Err: fmt.Errorf("workbook has %d columns and %d rows, expected %d and %d",
			len(got.Header), len(got.Rows), len(want.Header), len(want.Rows))}
	}
	for i, name := range want.Header {
		if got.Header[i] != name {
			return &workbook.EncodingError{Err: fmt.Errorf("column %d is %q, expected %q", i+1, got.Header[i], name)}
		}
	}
	for r, row := range want.Rows {
		var gotRow []string
		if r < len(got.Rows) {
			gotRow = got.Rows[r]
		}
		for c, value := range row {
			var gotValue string
			if c < len(gotRow) {
				gotValue = gotRow[c]
			}
			if gotValue != value {
				return &workbook.EncodingError{Err: fmt.Errorf("cell (%d, %d) reads back as %d bytes, expected %d bytes", r+2, c+1, len(gotValue), len(value))}
			}
		}
	}

	return nil
}
