package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/query"
)

// S3 每个结果写为一个 JSON 对象：<prefix>/<query>/<yyyy>/<mm>/<dd>/<millis>-<server>.json
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3 创建客户端，桶不存在时创建
func NewS3(ctx context.Context, cfg config.S3SinkConfig, logger *zap.Logger) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created result bucket", zap.String("bucket", cfg.Bucket))
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// ObjectName 结果对象的键
func ObjectName(prefix string, rec Record) string {
	ts := time.UnixMilli(rec.Timestamp).UTC()
	return path.Join(prefix, rec.Query, ts.Format("2006/01/02"), fmt.Sprintf("%d-%s.json", rec.Timestamp, rec.Server))
}

// Store 上传一个对象
func (s *S3) Store(ctx context.Context, typeTag string, timestampMillis int64, result *query.Result) error {
	rec := NewRecord(typeTag, timestampMillis, result)
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	name := ObjectName(s.prefix, rec)
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"type": typeTag},
		})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	return nil
}

// Close 客户端无需关闭
func (s *S3) Close() error { return nil }
