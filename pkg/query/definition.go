// Package query 定义采集查询的数据模型：查询定义、请求、锁范围以及查询结果。
// 查询定义按结构相等：任意字段变化都视为一个新的定义。
package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LockScope 查询的集群互斥范围
type LockScope string

const (
	LockNone   LockScope = ""
	LockGlobal LockScope = "global"
	LockHost   LockScope = "host"
)

// ParseLockScope 解析配置中的锁范围，空字符串表示不加锁
func ParseLockScope(s string) (LockScope, error) {
	switch LockScope(s) {
	case LockNone, LockGlobal, LockHost:
		return LockScope(s), nil
	default:
		return LockNone, fmt.Errorf("unknown lock type: %q", s)
	}
}

// Definition 查询定义（不可变值）
// Period / MinPeriod 单位为秒
type Definition struct {
	Name      string
	Requests  []Request
	Template  string
	Metadata  string
	Lock      LockScope
	Period    int
	MinPeriod int
}

var (
	ErrEmptyName     = errors.New("query name is empty")
	ErrNoRequests    = errors.New("query has no requests")
	ErrInvalidPeriod = errors.New("query period must be positive")
)

// WithDefaults 返回补齐默认值后的副本：
// period <= 0 使用 defaultDelay，minPeriod <= 0 等于 period
func (d Definition) WithDefaults(defaultDelay int) Definition {
	if d.Period <= 0 {
		d.Period = defaultDelay
	}
	if d.MinPeriod <= 0 {
		d.MinPeriod = d.Period
	}
	return d
}

// Validate 校验定义是否可调度（应在 WithDefaults 之后调用）
func (d Definition) Validate() error {
	if d.Name == "" {
		return ErrEmptyName
	}
	if len(d.Requests) == 0 {
		return fmt.Errorf("query %s: %w", d.Name, ErrNoRequests)
	}
	if d.Period <= 0 {
		return fmt.Errorf("query %s: %w (got %d)", d.Name, ErrInvalidPeriod, d.Period)
	}
	if _, err := ParseLockScope(string(d.Lock)); err != nil {
		return fmt.Errorf("query %s: %w", d.Name, err)
	}
	for _, r := range d.Requests {
		if err := r.validate(); err != nil {
			return fmt.Errorf("query %s: %w", d.Name, err)
		}
	}
	return nil
}

// PeriodDuration 采集周期
func (d Definition) PeriodDuration() time.Duration {
	return time.Duration(d.Period) * time.Second
}

// MinPeriodDuration 最小发送周期
func (d Definition) MinPeriodDuration() time.Duration {
	return time.Duration(d.MinPeriod) * time.Second
}

// Canonical 返回定义的确定性编码，是结构相等的唯一依据。
// 请求按集合处理（按各自编码排序），属性、参数、签名保持原有顺序。
func (d Definition) Canonical() []byte {
	reqs := make([][]byte, 0, len(d.Requests))
	for _, r := range d.Requests {
		reqs = append(reqs, canonicalRequest(r))
	}
	sort.Slice(reqs, func(i, j int) bool { return bytes.Compare(reqs[i], reqs[j]) < 0 })

	var buf bytes.Buffer
	writeField(&buf, "name", d.Name)
	writeField(&buf, "template", d.Template)
	writeField(&buf, "metadata", d.Metadata)
	writeField(&buf, "lock", string(d.Lock))
	writeField(&buf, "period", strconv.Itoa(d.Period))
	writeField(&buf, "minPeriod", strconv.Itoa(d.MinPeriod))
	buf.WriteString("requests[")
	for _, r := range reqs {
		buf.Write(r)
		buf.WriteByte(';')
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Hash 结构哈希（xxhash64），用于注册表分桶
func (d Definition) Hash() uint64 {
	return xxhash.Sum64(d.Canonical())
}

// Equal 结构相等
func (d Definition) Equal(o Definition) bool {
	return bytes.Equal(d.Canonical(), o.Canonical())
}

// String 便于日志输出
func (d Definition) String() string {
	return fmt.Sprintf("%s(period=%ds,minPeriod=%ds,lock=%q,requests=%d)",
		d.Name, d.Period, d.MinPeriod, d.Lock, len(d.Requests))
}

func writeField(buf *bytes.Buffer, key, value string) {
	// 长度前缀，避免字段拼接产生歧义
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(strconv.Itoa(len(value)))
	buf.WriteByte(':')
	buf.WriteString(value)
	buf.WriteByte('|')
}

func writeList(buf *bytes.Buffer, key string, values []string) {
	buf.WriteString(key)
	buf.WriteByte('[')
	for _, v := range values {
		writeField(buf, "", v)
	}
	buf.WriteByte(']')
}

func canonicalRequest(r Request) []byte {
	var buf bytes.Buffer
	switch req := r.(type) {
	case AttributeRequest:
		buf.WriteString("attrs:")
		writeField(&buf, "name", req.Name)
		writeField(&buf, "target", req.Target)
		writeList(&buf, "attributes", req.Attributes)
	case OperationRequest:
		buf.WriteString("oper:")
		writeField(&buf, "name", req.Name)
		writeField(&buf, "target", req.Target)
		writeField(&buf, "operation", req.Operation)
		args := make([]string, 0, len(req.Args))
		for _, a := range req.Args {
			// encoding/json 对 map 键排序，结果确定
			b, err := json.Marshal(a)
			if err != nil {
				b = []byte(fmt.Sprintf("%#v", a))
			}
			args = append(args, string(b))
		}
		writeList(&buf, "args", args)
		writeList(&buf, "signature", req.Signature)
	default:
		buf.WriteString(fmt.Sprintf("unknown:%#v", r))
	}
	return buf.Bytes()
}
