// Package attach stores message attachments in an S3-compatible bucket.
package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fieldops/api/internal/util"
)

// Service uploads attachment blobs and issues short-lived download links.
type Service struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Upload stores a blob and returns its attachment key. The key embeds the
// scope so downloads can be checked against the caller's scope.
func (s *Service) Upload(ctx context.Context, scopeID, filename, contentType string, body io.Reader, size int64) (string, error) {
	key := scopeID + "/" + util.NewID("att") + path.Ext(filename)
	if _, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("put attachment: %w", err)
	}
	return key, nil
}

// PresignedURL returns a time-limited download link for an attachment key.
func (s *Service) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return u.String(), nil
}
