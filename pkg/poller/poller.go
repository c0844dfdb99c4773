// Package poller 管理接口轮询：按查询定义向后端取数，组装为 query.Result。
package poller

import (
	"context"
	"errors"

	"github.com/insight-collector/pkg/query"
)

// ErrUnsupported 后端不支持的目标或操作
var ErrUnsupported = errors.New("poller: unsupported request")

// Principal 执行查询时使用的身份。由调用方显式传入，不依赖任何环境上下文。
type Principal struct {
	Name     string
	Password string
}

// Anonymous 未认证身份
var Anonymous = Principal{}

// IsAnonymous 是否未携带凭据
func (p Principal) IsAnonymous() bool { return p.Name == "" }

// Poller 后端轮询接口
type Poller interface {
	Execute(ctx context.Context, principal Principal, server query.Server, def query.Definition) (*query.Result, error)
}

// Func 函数适配器
type Func func(ctx context.Context, principal Principal, server query.Server, def query.Definition) (*query.Result, error)

// Execute 实现 Poller
func (f Func) Execute(ctx context.Context, principal Principal, server query.Server, def query.Definition) (*query.Result, error) {
	return f(ctx, principal, server, def)
}
