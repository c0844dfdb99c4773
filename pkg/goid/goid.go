// Package goid 读取当前 goroutine ID，仅用于日志关联
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// GetGID 当前 goroutine 的 ID，栈头格式为 "goroutine 123 [running]:"，解析失败返回 0
func GetGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parse(buf[:n])
}

func parse(b []byte) uint64 {
	b, ok := bytes.CutPrefix(b, prefix)
	if !ok {
		return 0
	}
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
