// storage/minio.go
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore implements ObjectStore using MinIO or any S3-compatible endpoint
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewMinIOStore creates the client and makes sure the bucket exists.
func NewMinIOStore(config MinIOConfig) (*MinIOStore, error) {
	if config.MaxUploads == 0 {
		config.MaxUploads = 1
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		logger:     zap.L().Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// Put uploads an object, retrying transient failures with exponential backoff.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := applyPutOptions(opts)
	if options.ContentType == "" {
		options.ContentType = "application/octet-stream"
	}

	// Acquire upload slot
	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	}

	attempt := 0
	op := func() error {
		attempt++

		// Retries must rewind seekable readers.
		if rs, ok := reader.(io.ReadSeeker); ok {
			if attempt > 1 {
				if _, err := rs.Seek(0, io.SeekStart); err != nil {
					return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
				}
			}
		} else if attempt > 1 {
			return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()

		info, err := s.client.PutObject(reqCtx, s.bucket, key, reader, size, putOpts)
		if err != nil {
			if code := getMinioStatusCode(err); code >= 400 && code < 500 {
				return backoff.Permanent(err)
			}
			s.logger.Warn("Object upload attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		code := getMinioStatusCode(err)
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: code,
			Retryable:  code >= 500,
		}
	}
	return nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// PutFile uploads a local file.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	if applyPutOptions(opts).ContentType == "" {
		opts = append(opts, WithContentType(detectContentType(filePath)))
	}
	return s.Put(ctx, key, file, stat.Size(), opts...)
}

// Exists checks if an object exists
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	_, err := s.client.StatObject(reqCtx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		serr := &StorageError{Op: "exists", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
		if IsNotExist(serr) {
			return false, nil
		}
		return false, serr
	}
	return true, nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// detectContentType maps clip artifact extensions to MIME types.
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".avi":
		return "video/avi"
	case ".h264":
		return "video/h264"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return resp.StatusCode
	}
	switch resp.Code {
	case "":
		return 0
	case "NoSuchKey", "NoSuchBucket":
		return 404
	case "AccessDenied":
		return 403
	case "InvalidArgument":
		return 400
	default:
		return 500
	}
}
