package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/hillpark/pharmacy-booking/internal/config"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

var ErrBadRef = errors.New("malformed document reference")

// Store saves referral letters and hands back opaque references. The
// scheduling core only ever carries the reference string; it never opens the
// document itself.
type Store interface {
	Save(ctx context.Context, r io.Reader, size int64, name, contentType string) (string, error)
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

type minioStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

func NewMinioClient(cfg config.MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

func NewMinioStore(client *minio.Client, bucket string, log *zap.Logger) Store {
	return &minioStore{client: client, bucket: bucket, log: log}
}

// EnsureBucket creates the referral bucket if it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *minioStore) Save(ctx context.Context, r io.Reader, size int64, name, contentType string) (string, error) {
	object := scheduling.NewID().String() + "-" + sanitizeName(name)

	_, err := s.client.PutObject(ctx, s.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("store referral document: %w", err)
	}

	s.log.Info("referral document stored",
		zap.String("bucket", s.bucket),
		zap.String("object", object),
	)

	return s.bucket + "/" + object, nil
}

func (s *minioStore) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	bucket, object, ok := strings.Cut(ref, "/")
	if !ok || bucket == "" || object == "" {
		return "", ErrBadRef
	}

	u, err := s.client.PresignedGetObject(ctx, bucket, object, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign referral document: %w", err)
	}
	return u.String(), nil
}

// sanitizeName strips path separators so uploaded file names cannot shape
// the object key.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "document"
	}
	return name
}
