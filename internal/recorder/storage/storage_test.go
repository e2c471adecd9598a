package storage

import (
	"errors"
	"fmt"
	"testing"

	minio "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestStorageErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("wrapped: %w", &StorageError{Op: "put", Key: "k", Err: errors.New("gone"), StatusCode: 404})
	denied := &StorageError{Op: "put", Err: errors.New("nope"), StatusCode: 403}
	flaky := &StorageError{Op: "put", Key: "k", Err: errors.New("503"), StatusCode: 503, Retryable: true}

	assert.True(t, IsNotExist(notFound))
	assert.False(t, IsNotExist(denied))
	assert.True(t, IsAccessDenied(denied))
	assert.True(t, IsRetryable(flaky))
	assert.False(t, IsRetryable(errors.New("plain")))

	assert.Equal(t, "put k: 503", flaky.Error())
	assert.Equal(t, "put: nope", denied.Error())
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "video/avi", detectContentType("/clips/a.avi"))
	assert.Equal(t, "video/h264", detectContentType("a.H264"))
	assert.Equal(t, "image/jpeg", detectContentType("a_thumb.jpg"))
	assert.Equal(t, "application/octet-stream", detectContentType("a.bin"))
}

func TestPutOptions(t *testing.T) {
	opts := applyPutOptions([]PutOption{
		WithContentType("video/avi"),
		WithMetadata(map[string]string{"device": "cam"}),
	})
	assert.Equal(t, "video/avi", opts.ContentType)
	assert.Equal(t, "cam", opts.Metadata["device"])
	assert.Empty(t, applyPutOptions(nil).ContentType)
}

func TestMinioStatusCode(t *testing.T) {
	assert.Zero(t, getMinioStatusCode(errors.New("dial tcp: refused")))
	assert.Equal(t, 404, getMinioStatusCode(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.Equal(t, 403, getMinioStatusCode(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.Equal(t, 503, getMinioStatusCode(minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}))
	assert.Equal(t, 500, getMinioStatusCode(minio.ErrorResponse{Code: "InternalError"}))

	missing := &StorageError{Op: "exists", Key: "k", Err: errors.New("gone"), StatusCode: getMinioStatusCode(minio.ErrorResponse{Code: "NoSuchKey"})}
	assert.True(t, IsNotExist(missing))
}
