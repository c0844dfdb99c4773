// Package catalog 提供期望调度的查询定义清单。
package catalog

import (
	"context"
	"errors"

	"github.com/insight-collector/pkg/query"
)

// ErrUnknownRequest 请求既没有 attrs 也没有 oper
var ErrUnknownRequest = errors.New("unknown request")

// Catalog 查询清单，每个对账周期调用一次
type Catalog interface {
	List(ctx context.Context) ([]query.Definition, error)
}

// Static 固定的查询列表
type Static []query.Definition

// List 返回列表副本
func (s Static) List(context.Context) ([]query.Definition, error) {
	out := make([]query.Definition, len(s))
	copy(out, s)
	return out, nil
}

// Func 函数适配器
type Func func(ctx context.Context) ([]query.Definition, error)

// List 调用函数本身
func (f Func) List(ctx context.Context) ([]query.Definition, error) { return f(ctx) }

// dedupe 按结构相等去重，保留首次出现的顺序
func dedupe(defs []query.Definition) []query.Definition {
	seen := make(map[uint64][]query.Definition, len(defs))
	out := defs[:0]
	for _, d := range defs {
		h := d.Hash()
		dup := false
		for _, s := range seen[h] {
			if s.Equal(d) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen[h] = append(seen[h], d)
		out = append(out, d)
	}
	return out
}
