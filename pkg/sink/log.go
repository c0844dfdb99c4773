package sink

import (
	"context"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"

	"github.com/insight-collector/pkg/query"
)

// Log 把结果写入日志；查询带模板时用模板渲染消息
type Log struct {
	logger *zap.Logger

	mu        sync.Mutex
	templates map[string]*template.Template
}

// NewLog 创建日志存储
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger, templates: make(map[string]*template.Template)}
}

func (l *Log) template(text string) (*template.Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.templates[text]; ok {
		return t, nil
	}
	t, err := template.New("result").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, err
	}
	l.templates[text] = t
	return t, nil
}

// Store 模板解析或渲染失败时退回到结构化字段输出
func (l *Log) Store(_ context.Context, typeTag string, timestampMillis int64, result *query.Result) error {
	rec := NewRecord(typeTag, timestampMillis, result)
	fields := []zap.Field{
		zap.String("type", rec.Type),
		zap.Int64("timestamp", rec.Timestamp),
		zap.String("server", rec.Server),
		zap.String("query", rec.Query),
	}

	if rec.Template != "" {
		t, err := l.template(rec.Template)
		if err == nil {
			var b strings.Builder
			if err = t.Execute(&b, rec); err == nil {
				l.logger.Info(b.String(), fields...)
				return nil
			}
		}
		l.logger.Warn("render result template failed", zap.String("query", rec.Query), zap.Error(err))
	}

	l.logger.Info("query result", append(fields, zap.Any("results", rec.Results))...)
	return nil
}

// Close 无资源需要释放
func (l *Log) Close() error { return nil }
