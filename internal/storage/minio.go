package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/facelock/internal/config"
)

const faceImagePrefix = "faces/"

// MinIOImages stores representative images as objects under faces/.
type MinIOImages struct {
	client *minio.Client
	bucket string
}

func NewMinIOImages(cfg config.MinIOConfig) (*MinIOImages, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOImages{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func objectKey(key string) string {
	return path.Join(faceImagePrefix, key)
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinIOImages) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func (s *MinIOImages) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *MinIOImages) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Move copies the object server-side and removes the source. Object stores
// have no rename.
func (s *MinIOImages) Move(ctx context.Context, from, to string) error {
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: objectKey(to)}
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: objectKey(from)}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("copy object %s to %s: %w", from, to, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(from), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", from, err)
	}
	return nil
}

func (s *MinIOImages) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectKey(key), minio.RemoveObjectOptions{})
}

// Ping checks MinIO connectivity.
func (s *MinIOImages) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
