package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/insight-collector/pkg/query"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func attrDef(name string, reqs ...query.Request) query.Definition {
	return query.Definition{Name: name, Requests: reqs, Period: 30, MinPeriod: 30}
}

func TestHostSelectsAttributes(t *testing.T) {
	snap := map[string]any{"total": 100.0, "used": 40.0, "free": 60.0}
	h := NewHost(
		WithSnapshot(func(ctx context.Context, target string) (any, error) {
			if target != "mem" {
				return nil, ErrUnsupported
			}
			return snap, nil
		}),
		WithHostClock(clocktesting.NewFakePassiveClock(now)),
	)

	def := attrDef("mem",
		query.AttributeRequest{Name: "b", Target: "mem", Attributes: []string{"used"}},
		query.AttributeRequest{Name: "a", Target: "mem"},
	)
	res, err := h.Execute(context.Background(), Anonymous, query.Server{ID: "n1"}, def)
	require.NoError(t, err)

	assert.Equal(t, now, res.Timestamp)
	assert.Equal(t, "mem", res.Query)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "a", res.Results[0].Name)
	assert.Equal(t, snap, res.Results[0].Attributes)
	assert.Equal(t, map[string]any{"used": 40.0}, res.Results[1].Attributes)

	_, err = h.Execute(context.Background(), Anonymous, query.Server{}, attrDef("mem",
		query.AttributeRequest{Name: "x", Target: "mem", Attributes: []string{"missing"}}))
	assert.Error(t, err)

	_, err = h.Execute(context.Background(), Anonymous, query.Server{}, attrDef("bad",
		query.AttributeRequest{Name: "x", Target: "gpu"}))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHostCPUUsageFromDeltas(t *testing.T) {
	samples := []map[string]any{
		{"user": 10.0, "system": 10.0, "idle": 80.0},
		{"user": 20.0, "system": 20.0, "idle": 160.0},
	}
	i := 0
	h := NewHost(WithSnapshot(func(ctx context.Context, target string) (any, error) {
		s := samples[i]
		i++
		return s, nil
	}))
	def := attrDef("cpu", query.AttributeRequest{Name: "cpu", Target: "cpu"})

	first, err := h.Execute(context.Background(), Anonymous, query.Server{}, def)
	require.NoError(t, err)
	assert.NotContains(t, first.Results[0].Attributes, "usage_percent")

	second, err := h.Execute(context.Background(), Anonymous, query.Server{}, def)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, second.Results[0].Attributes["usage_percent"], 0.001)
	modes := second.Results[0].Attributes["modes"].(map[string]any)
	assert.InDelta(t, 80.0, modes["idle"], 0.001)
}

func TestHostRealSnapshots(t *testing.T) {
	h := NewHost()
	def := attrDef("local",
		query.AttributeRequest{Name: "mem", Target: "mem", Attributes: []string{"total"}},
		query.OperationRequest{Name: "cores", Target: "cpu", Operation: "cpu.counts", Args: []any{true}},
	)
	res, err := h.Execute(context.Background(), Anonymous, query.Server{}, def)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Greater(t, res.Results[0].Value.(int), 0)
	assert.Contains(t, res.Results[1].Attributes, "total")

	_, err = h.Execute(context.Background(), Anonymous, query.Server{}, attrDef("op",
		query.OperationRequest{Name: "x", Target: "cpu", Operation: "reboot"}))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestJolokiaBulkRequest(t *testing.T) {
	var got []jolokiaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "monitor" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"status": 200, "value": map[string]any{"HeapMemoryUsage": 1024.0, "ObjectPendingFinalizationCount": 0.0}},
			{"status": 200, "value": "done"},
		})
	}))
	defer srv.Close()

	j, err := NewJolokia(JolokiaOptions{Endpoint: srv.URL + "/jolokia", Clock: clocktesting.NewFakePassiveClock(now)})
	require.NoError(t, err)

	def := attrDef("jvm",
		query.AttributeRequest{Name: "heap", Target: "java.lang:type=Memory"},
		query.OperationRequest{Name: "gc", Target: "java.lang:type=Memory", Operation: "gc", Args: []any{"full"}, Signature: []string{"java.lang.String"}},
	)
	res, err := j.Execute(context.Background(), Principal{Name: "monitor", Password: "secret"}, query.Server{ID: "n"}, def)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "read", got[0].Type)
	assert.Equal(t, "exec", got[1].Type)
	assert.Equal(t, "gc(java.lang.String)", got[1].Operation)

	require.Len(t, res.Results, 2)
	assert.Equal(t, "gc", res.Results[0].Name)
	assert.Equal(t, "done", res.Results[0].Value)
	assert.Equal(t, 1024.0, res.Results[1].Attributes["HeapMemoryUsage"])

	_, err = j.Execute(context.Background(), Anonymous, query.Server{}, def)
	assert.True(t, errors.Is(err, ErrRemote))
}

func TestJolokiaPerRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"status": 404, "error": "javax.management.InstanceNotFoundException"},
		})
	}))
	defer srv.Close()

	j, err := NewJolokia(JolokiaOptions{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = j.Execute(context.Background(), Anonymous, query.Server{},
		attrDef("x", query.AttributeRequest{Name: "a", Target: "x:type=Missing", Attributes: []string{"Count"}}))
	assert.ErrorIs(t, err, ErrRemote)

	_, err = NewJolokia(JolokiaOptions{})
	assert.Error(t, err)
}
