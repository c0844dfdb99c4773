package registers

import (
	"sync"
	"time"

	"github.com/insight-collector/pkg/query"
)

// QueryState 单个查询定义的运行时状态，只由 Registry 持有
type QueryState struct {
	Definition query.Definition
	Server     query.Server

	handle   Canceler
	gate     Gate
	metadata map[string]any

	mu             sync.Mutex
	lastResult     *query.Result
	lastResultSent bool
	lastSent       time.Time
	closed         bool
}

// NewQueryState 创建空状态，句柄与锁由调用方后续绑定
func NewQueryState(def query.Definition, server query.Server) *QueryState {
	return &QueryState{Definition: def, Server: server}
}

// SetHandle 绑定调度句柄
func (s *QueryState) SetHandle(h Canceler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// SetGate 绑定集群锁
func (s *QueryState) SetGate(g Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

// Gate 返回集群锁，未加锁的查询返回 nil
func (s *QueryState) Gate() Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// SetMetadata 设置解析后的元数据
func (s *QueryState) SetMetadata(m map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = m
}

// Metadata 元数据（只读使用）
func (s *QueryState) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// Emission 发送策略需要的历史状态
type Emission struct {
	LastResult     *query.Result
	LastResultSent bool
	LastSent       time.Time
}

// Emission 读取发送历史
func (s *QueryState) Emission() Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Emission{LastResult: s.lastResult, LastResultSent: s.lastResultSent, LastSent: s.lastSent}
}

// RecordHeld 记录未发送的最新结果
func (s *QueryState) RecordHeld(r *query.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = r
	s.lastResultSent = false
}

// RecordSent 记录已发送的结果
func (s *QueryState) RecordSent(r *query.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = r
	s.lastResultSent = true
	s.lastSent = r.Timestamp
}

// Closed 是否已关闭
func (s *QueryState) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 取消调度并离开集群组，锁关闭错误忽略。可重复调用。
func (s *QueryState) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle, gate := s.handle, s.gate
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	if gate != nil {
		_ = gate.Close()
	}
}
