package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/query"
)

// File 按时间滚动的 JSON lines 文件
type File struct {
	mu     sync.Mutex
	writer *rotatelogs.RotateLogs
}

// NewFile 创建文件存储
func NewFile(cfg config.FileSinkConfig) (*File, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", cfg.Dir, err)
	}
	opts := []rotatelogs.Option{rotatelogs.WithRotationTime(cfg.RotationTime)}
	if cfg.MaxAge > 0 {
		opts = append(opts, rotatelogs.WithMaxAge(cfg.MaxAge))
	}
	writer, err := rotatelogs.New(filepath.Join(cfg.Dir, cfg.Pattern), opts...)
	if err != nil {
		return nil, fmt.Errorf("open rotating sink file: %w", err)
	}
	return &File{writer: writer}, nil
}

// Store 每条记录一行
func (f *File) Store(_ context.Context, typeTag string, timestampMillis int64, result *query.Result) error {
	line, err := json.Marshal(NewRecord(typeTag, timestampMillis, result))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.writer.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// CurrentFile 当前写入的文件路径
func (f *File) CurrentFile() string {
	return f.writer.CurrentFileName()
}

// Close 关闭文件
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Close()
}
