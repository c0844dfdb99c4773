package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/goid"
)

const timeLayout = "2006-01-02 15:04:05.000 -07:00"

var (
	mu               sync.RWMutex
	baseLogger       *zap.Logger
	defaultComponent string
)

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "dbg", "debug":
		return zapcore.DebugLevel
	case "war", "warn":
		return zapcore.WarnLevel
	case "err", "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "pan", "panic":
		return zapcore.PanicLevel
	case "fat", "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// New 按配置创建 logger：滚动文件（json 或 console 格式），可选彩色控制台输出
func New(cfg config.ZapLogConfig) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", cfg.Path, err)
	}

	opts := []rotatelogs.Option{rotatelogs.WithRotationTime(cfg.RotationTime)}
	if cfg.MaxAge > 0 {
		opts = append(opts, rotatelogs.WithMaxAge(time.Duration(cfg.MaxAge)*24*time.Hour))
	}
	if cfg.MaxSize > 0 {
		opts = append(opts, rotatelogs.WithRotationSize(int64(cfg.MaxSize)*1024*1024))
	}
	writer, err := rotatelogs.New(filepath.Join(cfg.Path, "insight-%Y%m%d.log"), opts...)
	if err != nil {
		return nil, fmt.Errorf("open rotating log file: %w", err)
	}

	cores := []zapcore.Core{zapcore.NewCore(fileEncoder(cfg.Format), zapcore.AddSync(writer), level)}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.AddSync(os.Stdout), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func fileEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	if format == "console" {
		encCfg.ConsoleSeparator = " "
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func consoleEncoder() zapcore.Encoder {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.ConsoleSeparator = " "
	encCfg.EncodeLevel = coloredLevelEncoder
	// 控制台彩色时间
	encCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("\033[34m%s\033[0m", t.Format(timeLayout)))
	}
	// Caller 两级路径
	encCfg.EncodeCaller = func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		rel := filepath.Join(filepath.Base(filepath.Dir(c.File)), filepath.Base(c.File))
		enc.AppendString(fmt.Sprintf("%s:%d", rel, c.Line))
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func coloredLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var levelStr string
	switch level {
	case zapcore.DebugLevel:
		levelStr = "\033[36mDEBUG\033[0m"
	case zapcore.InfoLevel:
		levelStr = "\033[32mINFO \033[0m"
	case zapcore.WarnLevel:
		levelStr = "\033[33mWARN \033[0m"
	case zapcore.ErrorLevel:
		levelStr = "\033[31mERROR\033[0m"
	case zapcore.DPanicLevel:
		levelStr = "\033[35mDPANIC\033[0m"
	case zapcore.PanicLevel:
		levelStr = "\033[35mPANIC\033[0m"
	case zapcore.FatalLevel:
		levelStr = "\033[35mFATAL\033[0m"
	default:
		levelStr = "UNK  "
	}
	enc.AppendString(levelStr)
}

// Init 创建并设置全局 logger，返回值供各组件注入使用
func Init(cfg config.ZapLogConfig) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	SetLogger(l)
	return l, nil
}

// SetLogger 替换全局 logger（测试中可注入 observer）
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	baseLogger = l
}

// SetDefaultComponent 包级日志函数默认的 component 字段
func SetDefaultComponent(component string) {
	mu.Lock()
	defer mu.Unlock()
	defaultComponent = component
}

// GetLogger 全局 logger，未初始化时返回 Nop
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if baseLogger == nil {
		return zap.NewNop()
	}
	return baseLogger
}

// Component 带 component 字段的子 logger，注入给各组件
func Component(name string) *zap.Logger {
	return GetLogger().With(zap.String("component", name))
}

func defaultFields(componentOverride string) []zapcore.Field {
	mu.RLock()
	component := defaultComponent
	mu.RUnlock()
	if componentOverride != "" {
		component = componentOverride
	}
	return []zapcore.Field{
		zap.String("component", component),
		zap.String("goid", strconv.FormatUint(goid.GetGID(), 10)),
	}
}

func log(level zapcore.Level, msg string, componentOverride string, fields ...zapcore.Field) {
	l := GetLogger().WithOptions(zap.AddCallerSkip(2))
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(append(defaultFields(componentOverride), fields...)...)
	}
}

func Debug(msg string, component string, fields ...zapcore.Field) {
	log(zap.DebugLevel, msg, component, fields...)
}
func Info(msg string, component string, fields ...zapcore.Field) {
	log(zap.InfoLevel, msg, component, fields...)
}
func Warn(msg string, component string, fields ...zapcore.Field) {
	log(zap.WarnLevel, msg, component, fields...)
}
func Error(msg string, component string, fields ...zapcore.Field) {
	log(zap.ErrorLevel, msg, component, fields...)
}
func Fatal(msg string, component string, fields ...zapcore.Field) {
	log(zap.FatalLevel, msg, component, fields...)
}

// Sync 刷新全局 logger
func Sync() error {
	return GetLogger().Sync()
}
