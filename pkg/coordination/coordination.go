// Package coordination 定义集群协调服务的最小契约：加入命名组、监听成员/领导变化、
// 查询领导权、发布成员状态记录。具体实现见 memory、postgres、kube 子包。
package coordination

import (
	"context"
	"errors"
)

var (
	// ErrClosed 组或客户端已关闭
	ErrClosed = errors.New("coordination: closed")
	// ErrNotJoined 尚未加入组（或连接已断开）
	ErrNotJoined = errors.New("coordination: not joined")
)

// NodeState 成员状态记录。Services 非空表示该成员正在提供服务（持有领导权）。
type NodeState struct {
	ID        string   `json:"id"`
	Container string   `json:"container"`
	Services  []string `json:"services,omitempty"`
}

// EventType 组事件类型
type EventType int

const (
	EventConnected EventType = iota
	EventChanged
	EventDisconnected
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventChanged:
		return "changed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event 组成员或领导权发生变化
type Event struct {
	Type   EventType
	Leader bool
}

// Listener 事件回调，由协调客户端的内部 goroutine 异步调用
type Listener func(Event)

// Group 已加入的命名组
type Group interface {
	Path() string
	OnEvent(l Listener)
	IsLeader() bool
	Publish(state NodeState) error
	Members() []NodeState
	Close() error
}

// Client 协调服务客户端
type Client interface {
	Join(ctx context.Context, path string) (Group, error)
	Close() error
}
