package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Get and Stat for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// Store is the slice of S3 the snapshot backend needs.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

type MinioStore struct {
	client *minio.Client
	cfg    Config
}

// NewMinioStore connects to cfg.Endpoint and creates the bucket when it
// does not exist yet.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.cfg.ObjectKey(key), body, size, minio.PutObjectOptions{
		ContentType:    contentType,
		SendContentMd5: true,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get opens key for reading. The caller closes the returned reader.
func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.cfg.ObjectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapError(key, err)
	}
	// GetObject is lazy; Stat performs the request and surfaces NoSuchKey.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, mapError(key, err)
	}
	return obj, toObjectInfo(key, info), nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, s.cfg.ObjectKey(key), minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapError(key, err)
	}
	return toObjectInfo(key, info), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.cfg.ObjectKey(key), minio.RemoveObjectOptions{}); err != nil {
		return mapError(key, err)
	}
	return nil
}

// Check reports whether the bucket is reachable; used by /readyz.
func (s *MinioStore) Check(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s is missing", s.cfg.Bucket)
	}
	return nil
}

func mapError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}

func toObjectInfo(key string, info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
