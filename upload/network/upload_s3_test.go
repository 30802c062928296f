package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mock.Mock
	bodies [][]byte
}

func (m *mockS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if params.Body != nil {
		body, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		m.bodies = append(m.bodies, body)
	}
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.UploadPartOutput)
	return out, args.Error(1)
}

func (m *mockS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

func testS3Backend(client s3API) *S3Backend {
	return newS3Backend(client, S3Params{
		Bucket:     "sheets",
		KeyPrefix:  "exports/",
		MaxRetries: 3,
		RetryWait:  time.Millisecond,
	}, log.NewLogger())
}

const objectKey = "exports/user@example.com/UploadFolder/WorksheetName.xlsx"

func partNumber(n int32) interface{} {
	return mock.MatchedBy(func(in *s3.UploadPartInput) bool {
		return aws.ToInt32(in.PartNumber) == n
	})
}

func TestS3Backend_Upload(t *testing.T) {
	client := &mockS3{}
	client.On("CreateMultipartUpload", mock.Anything, mock.MatchedBy(func(in *s3.CreateMultipartUploadInput) bool {
		return aws.ToString(in.Bucket) == "sheets" && aws.ToString(in.Key) == objectKey && aws.ToString(in.ContentType) == xlsxContentType
	})).Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil).Once()
	for i := int32(1); i <= 3; i++ {
		client.On("UploadPart", mock.Anything, partNumber(i)).
			Return(&s3.UploadPartOutput{ETag: aws.String(string('a' + rune(i)))}, nil).Once()
	}
	client.On("CompleteMultipartUpload", mock.Anything, mock.MatchedBy(func(in *s3.CompleteMultipartUploadInput) bool {
		parts := in.MultipartUpload.Parts
		return aws.ToString(in.UploadId) == "upload-1" &&
			len(parts) == 3 &&
			aws.ToInt32(parts[0].PartNumber) == 1 &&
			aws.ToInt32(parts[2].PartNumber) == 3
	})).Return(&s3.CompleteMultipartUploadOutput{
		ETag:     aws.String(`"etag-3"`),
		Location: aws.String("https://sheets.s3.amazonaws.com/" + objectKey),
	}, nil).Once()

	backend := testS3Backend(client)

	document := make([]byte, 25)
	for i := range document {
		document[i] = byte(i)
	}

	config := chunkuploader.DefaultConfig()
	config.ChunkSize = 10
	item, err := chunkuploader.New(config, backend, log.NewLogger()).Upload(context.Background(), testTarget(), document)
	require.NoError(t, err)

	assert.Equal(t, "etag-3", item.ID)
	assert.Equal(t, "WorksheetName.xlsx", item.Name)
	assert.Equal(t, int64(25), item.Size)
	assert.Equal(t, [][]byte{document[:10], document[10:20], document[20:]}, client.bodies)
	assert.Empty(t, backend.parts)
	client.AssertExpectations(t)
}

func TestS3Backend_CreateUploadSession_Errors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "access denied",
			err:  &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"},
			check: func(t *testing.T, err error) {
				var authErr *AuthorizationError
				assert.True(t, errors.As(err, &authErr), "got %v", err)
			},
		},
		{
			name: "missing bucket",
			err:  &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "The specified bucket does not exist"},
			check: func(t *testing.T, err error) {
				var notFound *NotFoundError
				require.True(t, errors.As(err, &notFound), "got %v", err)
				assert.Equal(t, "bucket 'sheets'", notFound.Resource)
			},
		},
		{
			name: "invalid request",
			err:  &smithy.GenericAPIError{Code: "InvalidRequest", Message: "bad"},
			check: func(t *testing.T, err error) {
				assert.False(t, IsTransient(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockS3{}
			client.On("CreateMultipartUpload", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			_, err := testS3Backend(client).CreateUploadSession(context.Background(), testTarget())
			require.Error(t, err)
			tt.check(t, err)
			client.AssertNumberOfCalls(t, "CreateMultipartUpload", 1)
		})
	}
}

func TestS3Backend_CreateUploadSession_RetriesTransient(t *testing.T) {
	client := &mockS3{}
	client.On("CreateMultipartUpload", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "Please reduce your request rate."}).Once()
	client.On("CreateMultipartUpload", mock.Anything, mock.Anything).
		Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-2")}, nil).Once()

	session, err := testS3Backend(client).CreateUploadSession(context.Background(), testTarget())
	require.NoError(t, err)

	assert.Equal(t, "upload-2", session.ID)
	assert.Equal(t, "s3://sheets/"+objectKey, session.UploadURL)
	client.AssertNumberOfCalls(t, "CreateMultipartUpload", 2)
}

func TestS3Backend_CreateUploadSession_MaxRetries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantCalls  int
	}{
		{name: "no retry", maxRetries: 0, wantCalls: 1},
		{name: "one retry", maxRetries: 1, wantCalls: 2},
		{name: "five retries", maxRetries: 5, wantCalls: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockS3{}
			client.On("CreateMultipartUpload", mock.Anything, mock.Anything).
				Return(nil, &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "Please try again."})

			backend := newS3Backend(client, S3Params{
				Bucket:     "sheets",
				MaxRetries: tt.maxRetries,
				RetryWait:  time.Millisecond,
			}, log.NewLogger())

			_, err := backend.CreateUploadSession(context.Background(), testTarget())
			assert.True(t, IsTransient(err), "got %v", err)
			client.AssertNumberOfCalls(t, "CreateMultipartUpload", tt.wantCalls)
		})
	}
}

func TestS3Backend_CreateUploadSession_InvalidPath(t *testing.T) {
	client := &mockS3{}

	_, err := testS3Backend(client).CreateUploadSession(context.Background(), chunkuploader.Target{Path: "relative.xlsx"})
	assert.Error(t, err)
	client.AssertNotCalled(t, "CreateMultipartUpload", mock.Anything, mock.Anything)
}

func TestS3Backend_SubmitChunk_Failures(t *testing.T) {
	client := &mockS3{}
	client.On("CreateMultipartUpload", mock.Anything, mock.Anything).
		Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil)
	client.On("UploadPart", mock.Anything, partNumber(1)).
		Return(nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."})
	client.On("UploadPart", mock.Anything, partNumber(2)).
		Return(nil, &smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}, Err: errors.New("unavailable")})

	backend := testS3Backend(client)
	session, err := backend.CreateUploadSession(context.Background(), testTarget())
	require.NoError(t, err)

	_, err = backend.SubmitChunk(context.Background(), session, chunkuploader.Chunk{Index: 0, Data: []byte("0123456789")}, 20)
	var expired *chunkuploader.SessionExpiredError
	assert.True(t, errors.As(err, &expired), "got %v", err)

	result, err := backend.SubmitChunk(context.Background(), session, chunkuploader.Chunk{Index: 1, Offset: 10, Data: []byte("0123456789")}, 20)
	require.NoError(t, err)
	assert.Equal(t, chunkuploader.StatusFailed, result.Status)
	assert.True(t, IsTransient(result.Err), "got %v", result.Err)
}

func TestS3Backend_FailedUploadAbortsSession(t *testing.T) {
	client := &mockS3{}
	client.On("CreateMultipartUpload", mock.Anything, mock.Anything).
		Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil)
	client.On("UploadPart", mock.Anything, partNumber(1)).
		Return(&s3.UploadPartOutput{ETag: aws.String("a")}, nil)
	client.On("UploadPart", mock.Anything, partNumber(2)).
		Return(nil, &smithy.GenericAPIError{Code: "EntityTooSmall", Message: "Your proposed upload is smaller than the minimum allowed size"})
	client.On("AbortMultipartUpload", mock.Anything, mock.MatchedBy(func(in *s3.AbortMultipartUploadInput) bool {
		return aws.ToString(in.UploadId) == "upload-1" && aws.ToString(in.Key) == objectKey
	})).Return(&s3.AbortMultipartUploadOutput{}, nil).Once()

	backend := testS3Backend(client)
	config := chunkuploader.DefaultConfig()
	config.ChunkSize = 10
	_, err := chunkuploader.New(config, backend, log.NewLogger()).Upload(context.Background(), testTarget(), make([]byte, 25))

	var chunkErr *chunkuploader.ChunkUploadError
	require.True(t, errors.As(err, &chunkErr), "got %v", err)
	assert.Equal(t, 1, chunkErr.Index)
	client.AssertNotCalled(t, "UploadPart", mock.Anything, partNumber(3))
	client.AssertNotCalled(t, "CompleteMultipartUpload", mock.Anything, mock.Anything)
	client.AssertExpectations(t)
	assert.Empty(t, backend.parts)
}

func TestS3Backend_SessionKey(t *testing.T) {
	backend := testS3Backend(&mockS3{})

	_, err := backend.sessionKey(chunkuploader.Session{UploadURL: "s3://sheets/a.xlsx"})
	assert.Error(t, err)

	_, err = backend.sessionKey(chunkuploader.Session{UploadURL: "s3://other/a.xlsx", ID: "1"})
	assert.Error(t, err)

	key, err := backend.sessionKey(chunkuploader.Session{UploadURL: "s3://sheets/a/b.xlsx", ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "a/b.xlsx", key)
}

func TestS3Backend_ObjectKey(t *testing.T) {
	backend := newS3Backend(&mockS3{}, S3Params{Bucket: "sheets"}, log.NewLogger())

	key, err := backend.objectKey(chunkuploader.Target{Path: "/UploadFolder/WorksheetName.xlsx"})
	require.NoError(t, err)
	assert.Equal(t, "UploadFolder/WorksheetName.xlsx", key)

	key, err = backend.objectKey(chunkuploader.Target{Identity: "team", Path: "/a.xlsx"})
	require.NoError(t, err)
	assert.Equal(t, "team/a.xlsx", key)
}

func TestNewS3Backend_Validation(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3Params{Region: "us-east-1"}, log.NewLogger())
	assert.Error(t, err)

	_, err = NewS3Backend(context.Background(), S3Params{Bucket: "sheets"}, log.NewLogger())
	assert.Error(t, err)

	_, err = NewS3Backend(context.Background(), S3Params{Region: "us-east-1", Bucket: "sheets", MaxRetries: -1}, log.NewLogger())
	assert.Error(t, err)

	backend, err := NewS3Backend(context.Background(), S3Params{
		Region:          "us-east-1",
		Bucket:          "sheets",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:9000",
	}, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "sheets", backend.bucket)
}

func TestLoadAWSCredentials_WrapsConfigError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "missing")

	_, err := loadAWSCredentials(context.Background(), "us-east-1", "", "", log.NewLogger())
	require.Error(t, err)

	var profileErr config.SharedConfigProfileNotExistError
	assert.True(t, errors.As(err, &profileErr), "got %v", err)
	assert.Equal(t, "missing", profileErr.Profile)
}
