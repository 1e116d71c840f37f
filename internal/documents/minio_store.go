package documents

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/config"
)

const attachedTag = "attached"

// MinioStore keeps documents in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	limit  int64
}

// NewMinioStore connects to the bucket, creating it when missing.
func NewMinioStore(ctx context.Context, cfg config.StorageConfig, limit int64, logger *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created document bucket", zap.String("bucket", cfg.Bucket))
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, limit: limit}, nil
}

func (s *MinioStore) Put(ctx context.Context, upload Upload) (string, error) {
	data, err := readLimited(upload.Body, s.limit)
	if err != nil {
		return "", err
	}
	key := Key(upload.TransactionID, data)
	opts := minio.PutObjectOptions{
		ContentType: upload.ContentType,
		UserTags:    map[string]string{attachedTag: "true"},
	}
	if name := cleanName(upload.FileName); name != "" {
		opts.UserMetadata = map[string]string{"filename": name}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (s *MinioStore) Detach(ctx context.Context, ref string) error {
	t, err := tags.MapToObjectTags(map[string]string{attachedTag: "false"})
	if err != nil {
		return err
	}
	if err := s.client.PutObjectTagging(ctx, s.bucket, ref, t, minio.PutObjectTaggingOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s", ErrUnknownRef, ref)
		}
		return fmt.Errorf("detach %s: %w", ref, err)
	}
	return nil
}
