// Package leader 集群锁：同一组内同时只有一个成员执行被加锁的查询。
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/insight-collector/pkg/coordination"
	"github.com/insight-collector/pkg/query"
)

const (
	// PathPrefix 所有采集组的公共前缀
	PathPrefix = "/collector/registry/clusters/insight-metrics"
	// ServiceStat 领导者在状态记录中声明的服务
	ServiceStat = "stat"
)

// ErrNoLock 未加锁的查询不需要集群锁
var ErrNoLock = errors.New("leader: query has no lock scope")

// GroupPath 按锁范围计算组路径
//
//	global: <prefix>/global/<name>
//	host:   <prefix>/host-<host>/<name>
func GroupPath(scope query.LockScope, name, host string) (string, error) {
	switch scope {
	case query.LockGlobal:
		return fmt.Sprintf("%s/global/%s", PathPrefix, name), nil
	case query.LockHost:
		return fmt.Sprintf("%s/host-%s/%s", PathPrefix, host, name), nil
	default:
		return "", ErrNoLock
	}
}

// State 锁状态
type State int

const (
	Unjoined State = iota
	Joined
	Leader
	Follower
	Closed
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joined:
		return "joined"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Gate 单个查询的集群锁
type Gate struct {
	path   string
	name   string
	member string
	logger *zap.Logger

	mu       sync.Mutex
	group    coordination.Group
	observed bool
	closed   bool
}

// Join 加入查询对应的组并按当前角色发布状态记录。发布失败只记录日志。
func Join(ctx context.Context, client coordination.Client, def query.Definition, member, host string, logger *zap.Logger) (*Gate, error) {
	path, err := GroupPath(def.Lock, def.Name, host)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	group, err := client.Join(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("join group %s: %w", path, err)
	}

	g := &Gate{
		path:   path,
		name:   def.Name,
		member: member,
		logger: logger.With(zap.String("group", path)),
		group:  group,
	}
	group.OnEvent(g.onEvent)
	// 加入时的领导权事件可能早于监听注册，这里按当前角色补发一次
	g.publishRole()
	return g, nil
}

// Path 组路径
func (g *Gate) Path() string { return g.path }

func (g *Gate) current() coordination.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	return g.group
}

func (g *Gate) publish(services []string) {
	group := g.current()
	if group == nil {
		return
	}
	state := coordination.NodeState{ID: g.name, Container: g.member, Services: services}
	if err := group.Publish(state); err != nil {
		g.logger.Debug("publish node state failed", zap.Error(err))
	}
}

func (g *Gate) onEvent(coordination.Event) {
	g.mu.Lock()
	g.observed = true
	g.mu.Unlock()
	g.publishRole()
}

// publishRole 领导者声明 stat 服务，其余成员发布空服务列表
func (g *Gate) publishRole() {
	if g.IsLeader() {
		g.publish([]string{ServiceStat})
		return
	}
	g.publish(nil)
}

// IsLeader 每次调用都向组询问，不缓存
func (g *Gate) IsLeader() bool {
	group := g.current()
	return group != nil && group.IsLeader()
}

// State 当前锁状态。加入后尚未收到任何组事件的非领导者为 Joined。
func (g *Gate) State() State {
	g.mu.Lock()
	closed, group, observed := g.closed, g.group, g.observed
	g.mu.Unlock()
	switch {
	case closed:
		return Closed
	case group == nil:
		return Unjoined
	case group.IsLeader():
		return Leader
	case !observed:
		return Joined
	default:
		return Follower
	}
}

// Close 离开组，关闭后不可再用。关闭错误只记录日志并返回。
func (g *Gate) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	group := g.group
	g.mu.Unlock()

	if group == nil {
		return nil
	}
	if err := group.Close(); err != nil {
		g.logger.Debug("leave group failed", zap.Error(err))
		return err
	}
	return nil
}
