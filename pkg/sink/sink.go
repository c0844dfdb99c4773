// Package sink 结果存储：把查询结果连同类型标签与毫秒时间戳写入下游。
// 存储失败只返回错误，不做重试。
package sink

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/query"
)

// Sink 结果存储接口
type Sink interface {
	Store(ctx context.Context, typeTag string, timestampMillis int64, result *query.Result) error
	Close() error
}

// Record 写入下游的统一记录格式
type Record struct {
	Type      string                `json:"type"`
	Timestamp int64                 `json:"timestamp"`
	Server    string                `json:"server"`
	Query     string                `json:"query"`
	Template  string                `json:"template,omitempty"`
	Results   []query.RequestResult `json:"results"`
}

// NewRecord 由查询结果构造记录
func NewRecord(typeTag string, timestampMillis int64, result *query.Result) Record {
	return Record{
		Type:      typeTag,
		Timestamp: timestampMillis,
		Server:    result.Server.ID,
		Query:     result.Query,
		Template:  result.Template,
		Results:   result.Results,
	}
}

// New 按配置创建存储
func New(ctx context.Context, cfg config.SinkConfig, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("sink", cfg.Type))
	switch cfg.Type {
	case "", "log":
		return NewLog(logger), nil
	case "file":
		return NewFile(cfg.File)
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres, logger)
	case "amqp":
		return NewAMQP(cfg.AMQP, logger)
	case "s3":
		return NewS3(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
