package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/common-nighthawk/go-figure"
)

// 定义颜色常量
const (
	ColorReset  = "\x1b[0m"
	ColorRed    = "\x1b[1;31m"
	ColorGreen  = "\x1b[1;32m"
	ColorYellow = "\x1b[1;33m"
	ColorBlue   = "\x1b[1;34m"
	ColorCyan   = "\x1b[1;36m"
)

var colors = map[string]string{
	"red":    ColorRed,
	"green":  ColorGreen,
	"yellow": ColorYellow,
	"blue":   ColorBlue,
	"cyan":   ColorCyan,
}

// colorCode 颜色名转 ANSI 码，未知颜色不着色
func colorCode(name string) string {
	if c, ok := colors[strings.ToLower(strings.TrimPrefix(name, "Color"))]; ok {
		return c
	}
	return ""
}

// Banner 写出 ASCII banner，color 为空或未知时不输出颜色码；subtitle 非空时追加一行
func Banner(w io.Writer, text, color, subtitle string) error {
	fig := figure.NewFigure(text, "", true)
	ansi := colorCode(color)
	reset := ""
	if ansi != "" {
		reset = ColorReset
	}
	for _, line := range fig.Slicify() {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := fmt.Fprintln(w, ansi+line+reset); err != nil {
			return err
		}
	}
	if subtitle != "" {
		if _, err := fmt.Fprintln(w, subtitle); err != nil {
			return err
		}
	}
	return nil
}

// PrintBanner 打印到标准输出
func PrintBanner(text, color, subtitle string) {
	_ = Banner(os.Stdout, text, color, subtitle)
}
