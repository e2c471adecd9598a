// storage/storage.go
package storage

import (
	"context"
	"errors"
)

// ObjectStore is the remote object storage the uploader pushes clips to.
type ObjectStore interface {
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Exists(ctx context.Context, key string) (bool, error)

	// Health check
	HealthCheck(ctx context.Context) error
}

// PutOption configures Put operations
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) { opts.Metadata = o }

func WithContentType(contentType string) PutOption { return contentTypeOption(contentType) }

func WithMetadata(metadata map[string]string) PutOption { return metadataOption(metadata) }

func applyPutOptions(opts []PutOption) *putOptions {
	options := &putOptions{}
	for _, opt := range opts {
		opt.applyPut(options)
	}
	return options
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == 404
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == 403
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.Retryable
}
