// Package s3 stores objects in any S3-compatible bucket via minio-go.
package s3

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"framefarm/internal/config"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg config.S3Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.Validation("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3.new", "create client")
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "s3.bucket", s.bucket)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrap(err, "s3.bucket", "create "+s.bucket)
	}
	return nil
}

func (s *Store) Provider() string { return "s3" }

func (s *Store) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}
	size := in.Size
	if size <= 0 {
		size = -1
	}
	info, err := s.client.PutObject(ctx, s.bucket, in.ObjectKey, in.Reader, size,
		minio.PutObjectOptions{ContentType: in.ContentType})
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "s3.put", in.ObjectKey)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: info.Size}, nil
}

func (s *Store) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, s.mapErr(err, "s3.get", objectKey)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, "", 0, s.mapErr(err, "s3.get", objectKey)
	}
	return obj, st.ContentType, st.Size, nil
}

func (s *Store) DeleteObject(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return s.mapErr(err, "s3.delete", objectKey)
	}
	return nil
}

func (s *Store) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, expiresIn, nil)
	if err != nil {
		return ports.SignedURLOutput{}, s.mapErr(err, "s3.presign", objectKey)
	}
	return ports.SignedURLOutput{URL: u.String(), ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

func (s *Store) mapErr(err error, op, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return errors.NotFound("object", key)
	}
	return errors.Wrap(err, op, key)
}
