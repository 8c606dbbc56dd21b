// Package objstore downloads raw image bytes from an S3-compatible object
// store by storage key.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("objstore: object not found")

// Client fetches raw object bytes by storage key.
type Client interface {
	Fetch(ctx context.Context, key string) (data []byte, contentType string, err error)
}

// MinioClient implements Client against any S3-compatible endpoint.
type MinioClient struct {
	mc     *minio.Client
	bucket string
}

// NewMinio creates a MinioClient for the given endpoint and bucket.
func NewMinio(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioClient, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: connect %s: %w", endpoint, err)
	}
	return &MinioClient{mc: mc, bucket: bucket}, nil
}

// Fetch downloads the object stored under key. A missing key maps to
// ErrNotFound so callers can tell it apart from transport faults.
func (c *MinioClient) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("objstore: get %s: %w", key, err)
	}
	defer obj.Close() //nolint:errcheck

	// GetObject is lazy; existence errors surface on Stat/Read.
	stat, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, "", fmt.Errorf("objstore: stat %s: %w", key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("objstore: read %s: %w", key, err)
	}
	return data, stat.ContentType, nil
}
