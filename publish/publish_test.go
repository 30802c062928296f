package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-sheetupload/records"
	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-sheetupload/workbook"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Upload(ctx context.Context, target chunkuploader.Target, document []byte) (*chunkuploader.Item, error) {
	args := m.Called(ctx, target, document)
	item, _ := args.Get(0).(*chunkuploader.Item)
	return item, args.Error(1)
}

type failingSource struct {
	err error
}

func (s failingSource) Records(context.Context) ([]records.Record, error) {
	return nil, s.err
}

var input = Input{
	Identity:  "user@example.com",
	Path:      "/UploadFolder/WorksheetName.xlsx",
	SheetName: "SheetName",
}

func TestPublisher_Publish(t *testing.T) {
	var uploaded []byte
	uploader := &mockUploader{}
	uploader.On("Upload", mock.Anything, chunkuploader.Target{Identity: input.Identity, Path: input.Path}, mock.Anything).
		Run(func(args mock.Arguments) { uploaded = args.Get(2).([]byte) }).
		Return(&chunkuploader.Item{ID: "01ITEM", WebURL: "https://example.com/item"}, nil).Once()

	result, err := NewPublisher(records.Default(), uploader, log.NewLogger()).Publish(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, "01ITEM", result.Item.ID)
	assert.Equal(t, 4, result.RecordCount)
	assert.Equal(t, int64(len(uploaded)), result.Size)

	sheets, err := workbook.SheetNames(uploaded)
	require.NoError(t, err)
	assert.Equal(t, []string{"SheetName"}, sheets)

	grid, err := workbook.Decode(uploaded, "SheetName")
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "Name", "City", "Country"}, grid.Header)
	assert.Equal(t, [][]string{
		{"1001", "ABCD", "City1", "USA"},
		{"1002", "PQRS", "City2", "INDIA"},
		{"1003", "XYZZ", "City3", "CHINA"},
		{"1004", "LMNO", "City4", "UK"},
	}, grid.Rows)

	uploader.AssertExpectations(t)
}

func TestPublisher_Publish_EmptyRecords(t *testing.T) {
	uploader := &mockUploader{}
	uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything).
		Return(&chunkuploader.Item{ID: "empty"}, nil).Once()

	publisher := NewPublisher(records.Static{}, uploader, log.NewLogger())

	result, err := publisher.Publish(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 0, result.RecordCount)

	rejecting := input
	rejecting.RejectEmpty = true
	_, err = publisher.Publish(context.Background(), rejecting)
	var empty *workbook.EmptyInputError
	assert.True(t, errors.As(err, &empty), "got %v", err)

	uploader.AssertNumberOfCalls(t, "Upload", 1)
}

func TestPublisher_Publish_Failures(t *testing.T) {
	cause := errors.New("disk on fire")

	t.Run("records", func(t *testing.T) {
		uploader := &mockUploader{}
		_, err := NewPublisher(failingSource{err: cause}, uploader, log.NewLogger()).Publish(context.Background(), input)

		var recordsErr *RecordsError
		require.True(t, errors.As(err, &recordsErr))
		assert.True(t, errors.Is(err, cause))
		uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("encoding", func(t *testing.T) {
		uploader := &mockUploader{}
		invalid := input
		invalid.SheetName = "bad:name"
		_, err := NewPublisher(records.Default(), uploader, log.NewLogger()).Publish(context.Background(), invalid)

		var encodingErr *workbook.EncodingError
		assert.True(t, errors.As(err, &encodingErr), "got %v", err)
		uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("upload", func(t *testing.T) {
		uploader := &mockUploader{}
		uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &chunkuploader.ChunkUploadError{Index: 1, Offset: 10, Err: cause})

		_, err := NewPublisher(records.Default(), uploader, log.NewLogger()).Publish(context.Background(), input)

		var chunkErr *chunkuploader.ChunkUploadError
		require.True(t, errors.As(err, &chunkErr))
		assert.Equal(t, int64(10), chunkErr.Offset)
	})

	t.Run("missing path", func(t *testing.T) {
		uploader := &mockUploader{}
		_, err := NewPublisher(records.Default(), uploader, log.NewLogger()).Publish(context.Background(), Input{})
		assert.Error(t, err)
	})
}

func TestVerify(t *testing.T) {
	grid := workbook.Grid{Header: []string{"A", "B"}, Rows: [][]string{{"1", ""}, {"", ""}}}
	document, err := workbook.Encode(grid, workbook.EncodeOptions{})
	require.NoError(t, err)

	assert.NoError(t, verify(document, workbook.DefaultSheetName, grid))

	other := workbook.Grid{Header: []string{"A", "B"}, Rows: [][]string{{"secret-value", ""}}}
	err = verify(document, workbook.DefaultSheetName, other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cell (2, 1)")
	assert.NotContains(t, err.Error(), "secret-value")

	assert.Error(t, verify(document, "Missing", grid))
}
