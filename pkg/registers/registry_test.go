package registers

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-collector/pkg/query"
)

var fixedTime = time.Unix(1_700_000_000, 0)

type fakeHandle struct{ cancelled int }

func (h *fakeHandle) Cancel() bool { h.cancelled++; return h.cancelled == 1 }

type fakeGate struct {
	closed int
	err    error
}

func (g *fakeGate) IsLeader() bool { return true }
func (g *fakeGate) Close() error  { g.closed++; return g.err }

func def(name string, period int) query.Definition {
	return query.Definition{
		Name:      name,
		Requests:  []query.Request{query.AttributeRequest{Name: "r", Target: "mem", Attributes: []string{"used"}}},
		Period:    period,
		MinPeriod: period,
	}
}

func TestUpsertCreatesOnceAndReturnsExisting(t *testing.T) {
	r := NewRegistry()
	server := query.Server{ID: "node-1"}
	calls := 0
	init := func(s *QueryState) error { calls++; return nil }

	first, created, err := r.Upsert(def("cpu", 30), server, init)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := r.Upsert(def("cpu", 30), server, init)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())

	// 结构变化视为新定义
	third, created, err := r.Upsert(def("cpu", 60), server, init)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, r.Len())
}

func TestUpsertInitFailureClosesAndSkips(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{}
	_, created, err := r.Upsert(def("cpu", 30), query.Server{}, func(s *QueryState) error {
		s.SetHandle(h)
		return errors.New("join failed")
	})
	require.Error(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, h.cancelled)
}

func TestRemoveAndClose(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{}
	g := &fakeGate{err: errors.New("close failed")}
	_, _, err := r.Upsert(def("cpu", 30), query.Server{}, func(s *QueryState) error {
		s.SetHandle(h)
		s.SetGate(g)
		return nil
	})
	require.NoError(t, err)

	state, ok := r.Remove(def("cpu", 30))
	require.True(t, ok)
	state.Close()
	state.Close()
	assert.True(t, state.Closed())
	assert.Equal(t, 1, h.cancelled)
	assert.Equal(t, 1, g.closed)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Remove(def("cpu", 30))
	assert.False(t, ok)
}

func TestKeysSnapshotAndDrain(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		_, _, err := r.Upsert(def(fmt.Sprintf("q%d", i), 10), query.Server{}, func(s *QueryState) error {
			s.SetMetadata(map[string]any{"index": i})
			return nil
		})
		require.NoError(t, err)
	}
	assert.Len(t, r.Keys(), 5)

	snap := r.Snapshot()
	assert.Equal(t, map[string]any{"index": 3}, snap["q3"])

	states := r.Drain()
	assert.Len(t, states, 5)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Keys())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d := def(fmt.Sprintf("q%d", i%10), 10)
				if (i+w)%3 == 0 {
					if s, ok := r.Remove(d); ok {
						s.Close()
					}
					continue
				}
				_, _, _ = r.Upsert(d, query.Server{}, nil)
				_ = r.Snapshot()
				_ = r.Keys()
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 10)
	assert.Len(t, r.Keys(), r.Len())
}

func TestEmissionRecording(t *testing.T) {
	s := NewQueryState(def("cpu", 30), query.Server{ID: "n"})
	e := s.Emission()
	assert.Nil(t, e.LastResult)

	res := query.NewResult(s.Server, s.Definition, fixedTime, nil)
	s.RecordHeld(res)
	e = s.Emission()
	assert.Same(t, res, e.LastResult)
	assert.False(t, e.LastResultSent)

	s.RecordSent(res)
	e = s.Emission()
	assert.True(t, e.LastResultSent)
	assert.Equal(t, fixedTime, e.LastSent)
}
