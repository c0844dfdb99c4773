// Package registers 维护“当前调度了哪些查询”的唯一事实来源：
// 以查询定义的结构内容为键，映射到对应的 QueryState。
package registers

import (
	"sort"
	"sync"

	"github.com/insight-collector/pkg/query"
)

// InitFunc 新建状态时的初始化回调（解析元数据、加入集群组、调度任务）
type InitFunc func(state *QueryState) error

// Registry 查询注册表
// 按 Definition.Hash() 分桶，桶内用 Equal 区分哈希碰撞。
// 执行任务只持有自己的 *QueryState，不访问注册表。
type Registry struct {
	mu      sync.RWMutex
	buckets map[uint64][]*QueryState
	size    int
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[uint64][]*QueryState)}
}

func (r *Registry) lookup(hash uint64, def query.Definition) *QueryState {
	for _, s := range r.buckets[hash] {
		if s.Definition.Equal(def) {
			return s
		}
	}
	return nil
}

// Get 查找定义对应的状态
func (r *Registry) Get(def query.Definition) (*QueryState, bool) {
	hash := def.Hash()
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.lookup(hash, def)
	return s, s != nil
}

// Upsert 不存在时创建，存在时原样返回（不触碰已有条目的调度）。
// init 在锁外执行；init 失败时状态被关闭且不会写入注册表。
func (r *Registry) Upsert(def query.Definition, server query.Server, init InitFunc) (*QueryState, bool, error) {
	hash := def.Hash()

	r.mu.RLock()
	existing := r.lookup(hash, def)
	r.mu.RUnlock()
	if existing != nil {
		return existing, false, nil
	}

	state := NewQueryState(def, server)
	if init != nil {
		if err := init(state); err != nil {
			state.Close()
			return nil, false, err
		}
	}

	r.mu.Lock()
	if existing = r.lookup(hash, def); existing != nil {
		r.mu.Unlock()
		// 并发插入了相同定义，保留先到者
		state.Close()
		return existing, false, nil
	}
	r.buckets[hash] = append(r.buckets[hash], state)
	r.size++
	r.mu.Unlock()
	return state, true, nil
}

// Remove 移除定义对应的状态并返回，调用方负责 Close
func (r *Registry) Remove(def query.Definition) (*QueryState, bool) {
	hash := def.Hash()
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.buckets[hash]
	for i, s := range bucket {
		if s.Definition.Equal(def) {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(r.buckets, hash)
			} else {
				r.buckets[hash] = bucket
			}
			r.size--
			return s, true
		}
	}
	return nil, false
}

// Keys 当前所有定义的快照（拷贝，可在迭代时并发修改注册表）
func (r *Registry) Keys() []query.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]query.Definition, 0, r.size)
	for _, bucket := range r.buckets {
		for _, s := range bucket {
			keys = append(keys, s.Definition)
		}
	}
	return keys
}

// States 当前所有状态的快照
func (r *Registry) States() []*QueryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]*QueryState, 0, r.size)
	for _, bucket := range r.buckets {
		states = append(states, bucket...)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Definition.Name < states[j].Definition.Name })
	return states
}

// Len 注册表大小
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Snapshot 诊断视图：查询名 → 元数据
func (r *Registry) Snapshot() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, s := range r.States() {
		out[s.Definition.Name] = s.Metadata()
	}
	return out
}

// Drain 清空注册表并返回所有状态（关闭流程使用）
func (r *Registry) Drain() []*QueryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]*QueryState, 0, r.size)
	for _, bucket := range r.buckets {
		states = append(states, bucket...)
	}
	r.buckets = make(map[uint64][]*QueryState)
	r.size = 0
	return states
}
