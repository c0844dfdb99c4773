// Package memory 进程内协调实现：同一路径下最早加入且仍在线的成员为领导者。
// 用于单节点部署和测试。
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/insight-collector/pkg/coordination"
)

// Hub 进程内协调中心
type Hub struct {
	mu     sync.Mutex
	groups map[string][]*group
	closed bool
}

// NewHub 创建协调中心
func NewHub() *Hub {
	return &Hub{groups: make(map[string][]*group)}
}

var _ coordination.Client = (*Hub)(nil)

// Join 加入组，发布状态前成员已参与领导选举
func (h *Hub) Join(ctx context.Context, path string) (coordination.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, coordination.ErrClosed
	}
	g := &group{hub: h, path: path}
	members := append(h.groups[path], g)
	h.groups[path] = members
	notify := snapshot(members)
	h.mu.Unlock()

	h.dispatch(notify, coordination.EventChanged)
	return g, nil
}

// Close 关闭中心，所有成员离开
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*group
	for _, members := range h.groups {
		all = append(all, members...)
	}
	h.mu.Unlock()

	for _, g := range all {
		_ = g.Close()
	}
	return nil
}

// Leader 返回路径当前领导者的状态记录，测试与诊断使用
func (h *Hub) Leader(path string) (coordination.NodeState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[path]
	if len(members) == 0 {
		return coordination.NodeState{}, false
	}
	return members[0].state, true
}

// Size 路径下的在线成员数量
func (h *Hub) Size(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[path])
}

func snapshot(members []*group) []*group {
	out := make([]*group, len(members))
	copy(out, members)
	return out
}

// dispatch 在锁外通知，监听器可以安全地回调 Publish
func (h *Hub) dispatch(members []*group, t coordination.EventType) {
	for _, g := range members {
		leader := g.IsLeader()
		for _, l := range g.listenerSnapshot() {
			l(coordination.Event{Type: t, Leader: leader})
		}
	}
}

type group struct {
	hub  *Hub
	path string

	mu        sync.Mutex
	listeners []coordination.Listener
	state     coordination.NodeState
	left      bool
}

func (g *group) Path() string { return g.path }

func (g *group) OnEvent(l coordination.Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

func (g *group) listenerSnapshot() []coordination.Listener {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]coordination.Listener, len(g.listeners))
	copy(out, g.listeners)
	return out
}

func (g *group) IsLeader() bool {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	members := g.hub.groups[g.path]
	return len(members) > 0 && members[0] == g
}

func (g *group) Publish(state coordination.NodeState) error {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.left {
		return fmt.Errorf("publish to %s: %w", g.path, coordination.ErrNotJoined)
	}
	g.state = state
	return nil
}

func (g *group) Members() []coordination.NodeState {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	var out []coordination.NodeState
	for _, m := range g.hub.groups[g.path] {
		out = append(out, m.state)
	}
	return out
}

func (g *group) Close() error {
	h := g.hub
	h.mu.Lock()
	g.mu.Lock()
	if g.left {
		g.mu.Unlock()
		h.mu.Unlock()
		return nil
	}
	g.left = true
	g.mu.Unlock()

	members := h.groups[g.path]
	for i, m := range members {
		if m == g {
			members = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(h.groups, g.path)
	} else {
		h.groups[g.path] = members
	}
	notify := snapshot(members)
	h.mu.Unlock()

	h.dispatch(notify, coordination.EventChanged)
	return nil
}
