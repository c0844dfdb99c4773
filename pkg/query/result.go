package query

import (
	"reflect"
	"sort"
	"time"
)

// Server 节点身份，随结果一起写入存储用于溯源
type Server struct {
	ID string `json:"id"`
}

// RequestResult 单个请求的采集结果
type RequestResult struct {
	Name       string         `json:"name"`
	Target     string         `json:"target"`
	Attributes map[string]any `json:"attrs,omitempty"`
	Value      any            `json:"value,omitempty"`
}

// Result 一次查询的采集快照
type Result struct {
	Server    Server          `json:"server"`
	Query     string          `json:"query"`
	Template  string          `json:"template,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Results   []RequestResult `json:"results"`
}

// NewResult 构造结果并按请求名排序
func NewResult(server Server, def Definition, ts time.Time, results []RequestResult) *Result {
	sorted := make([]RequestResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Result{
		Server:    server,
		Query:     def.Name,
		Template:  def.Template,
		Timestamp: ts,
		Results:   sorted,
	}
}

// TimestampMillis 存储使用的毫秒时间戳
func (r *Result) TimestampMillis() int64 {
	return r.Timestamp.UnixMilli()
}

// SameResults 仅比较结果内容（忽略时间戳）
func (r *Result) SameResults(o *Result) bool {
	if r == nil || o == nil {
		return r == o
	}
	return reflect.DeepEqual(r.Results, o.Results)
}
