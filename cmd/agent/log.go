package agent

import (
	"github.com/spf13/cobra"
)

func initLogFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	def := defaultCfg.Log

	f.String("log.level", def.Level, "-> Log level [debug,info,warn,error] | 日志级别")
	f.String("log.format", def.Format, "-> File log format [json,console] | 日志文件格式")
	f.String("log.path", def.Path, "-> Log file directory | 日志目录")
	f.Int("log.max_size", def.MaxSize, "-> Rotate when a file exceeds this many MB | 单文件最大MB")
	f.Int("log.max_age", def.MaxAge, "-> Days to keep rotated files, 0 keeps all | 保存天数")
	f.Duration("log.rotation_time", def.RotationTime, "-> Time-based rotation period | 滚动周期")
	f.Bool("log.console", def.Console, "-> Also write colored logs to stdout | 是否输出到控制台")
}
