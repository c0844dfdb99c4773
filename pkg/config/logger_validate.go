package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// 运行期允许的日志级别；dpanic/panic/fatal 只在 tag 中保留兼容
var logLevels = []string{"debug", "info", "warn", "error"}

// Validate 日志配置校验：级别、滚动周期（rotatelogs 最小粒度 1 分钟）、目录可创建且可写
func (l *ZapLogConfig) Validate() error {
	if err := valid.Struct(l); err != nil {
		return fmt.Errorf("log config invalid: %w", err)
	}
	if !slices.Contains(logLevels, strings.ToLower(l.Level)) {
		return fmt.Errorf("log.level must be one of %s, got %q", strings.Join(logLevels, "/"), l.Level)
	}
	if l.RotationTime < time.Minute {
		return fmt.Errorf("log.rotation_time must be at least 1m, got %s", l.RotationTime)
	}
	if l.MaxAge > 0 && time.Duration(l.MaxAge)*24*time.Hour < l.RotationTime {
		return fmt.Errorf("log.max_age (%dd) is shorter than log.rotation_time (%s)", l.MaxAge, l.RotationTime)
	}

	abs, err := filepath.Abs(l.Path)
	if err != nil {
		return fmt.Errorf("log.path %q: %w", l.Path, err)
	}
	if err := writableDir(abs); err != nil {
		return fmt.Errorf("log.path %q is not a writable directory: %w", l.Path, err)
	}
	return nil
}

// writableDir 目录不存在时创建，并确认可以在其中建文件
func writableDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
