package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpuDefinition() Definition {
	return Definition{
		Name: "cpu",
		Requests: []Request{
			AttributeRequest{Name: "load", Target: "load", Attributes: []string{"load1", "load5"}},
			OperationRequest{Name: "pct", Target: "cpu", Operation: "percent", Args: []any{100, false}, Signature: []string{"int", "bool"}},
		},
		Period:    30,
		MinPeriod: 30,
	}
}

func TestDefinitionEqualIgnoresRequestOrder(t *testing.T) {
	a := cpuDefinition()
	b := cpuDefinition()
	b.Requests = []Request{b.Requests[1], b.Requests[0]}

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestDefinitionAnyFieldChangeIsNewDefinition(t *testing.T) {
	base := cpuDefinition()
	mutations := map[string]func(d *Definition){
		"name":      func(d *Definition) { d.Name = "cpu2" },
		"period":    func(d *Definition) { d.Period = 31 },
		"minPeriod": func(d *Definition) { d.MinPeriod = 60 },
		"lock":      func(d *Definition) { d.Lock = LockGlobal },
		"template":  func(d *Definition) { d.Template = "{{.Query}}" },
		"metadata":  func(d *Definition) { d.Metadata = "file:///tmp/meta.json" },
		"attribute order": func(d *Definition) {
			d.Requests = []Request{
				AttributeRequest{Name: "load", Target: "load", Attributes: []string{"load5", "load1"}},
				d.Requests[1],
			}
		},
		"arg value": func(d *Definition) {
			d.Requests = []Request{
				d.Requests[0],
				OperationRequest{Name: "pct", Target: "cpu", Operation: "percent", Args: []any{200, false}, Signature: []string{"int", "bool"}},
			}
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := cpuDefinition()
			mutate(&changed)
			assert.False(t, base.Equal(changed))
		})
	}
}

func TestDefinitionCanonicalIsUnambiguous(t *testing.T) {
	a := Definition{Name: "ab", Template: "c", Requests: []Request{AttributeRequest{Name: "x", Target: "y"}}}
	b := Definition{Name: "a", Template: "bc", Requests: []Request{AttributeRequest{Name: "x", Target: "y"}}}
	assert.False(t, a.Equal(b))
}

func TestWithDefaults(t *testing.T) {
	d := Definition{Name: "q"}.WithDefaults(60)
	assert.Equal(t, 60, d.Period)
	assert.Equal(t, 60, d.MinPeriod)

	d = Definition{Name: "q", Period: -5, MinPeriod: 0}.WithDefaults(15)
	assert.Equal(t, 15, d.Period)
	assert.Equal(t, 15, d.MinPeriod)

	d = Definition{Name: "q", Period: 10}.WithDefaults(60)
	assert.Equal(t, 10, d.Period)
	assert.Equal(t, 10, d.MinPeriod)
	assert.Equal(t, 10*time.Second, d.MinPeriodDuration())

	d = Definition{Name: "q", Period: 10, MinPeriod: 120}.WithDefaults(60)
	assert.Equal(t, 120, d.MinPeriod)
}

func TestValidate(t *testing.T) {
	require.NoError(t, cpuDefinition().Validate())

	d := cpuDefinition()
	d.Name = ""
	assert.ErrorIs(t, d.Validate(), ErrEmptyName)

	d = cpuDefinition()
	d.Requests = nil
	assert.ErrorIs(t, d.Validate(), ErrNoRequests)

	d = cpuDefinition()
	d.Period = 0
	assert.ErrorIs(t, d.Validate(), ErrInvalidPeriod)

	d = cpuDefinition()
	d.Lock = "cluster"
	assert.Error(t, d.Validate())

	d = cpuDefinition()
	d.Requests = []Request{OperationRequest{Name: "x", Target: "cpu"}}
	assert.ErrorIs(t, d.Validate(), ErrInvalidRequest)

	d = cpuDefinition()
	d.Requests = []Request{OperationRequest{Name: "x", Target: "cpu", Operation: "op", Args: []any{1}, Signature: []string{"int", "int"}}}
	assert.ErrorIs(t, d.Validate(), ErrInvalidRequest)
}

func TestResultSameResults(t *testing.T) {
	def := cpuDefinition()
	now := time.Now()
	a := NewResult(Server{ID: "n1"}, def, now, []RequestResult{
		{Name: "pct", Target: "cpu", Value: []float64{12.5}},
		{Name: "load", Target: "load", Attributes: map[string]any{"load1": 0.5}},
	})
	b := NewResult(Server{ID: "n1"}, def, now.Add(time.Second), []RequestResult{
		{Name: "load", Target: "load", Attributes: map[string]any{"load1": 0.5}},
		{Name: "pct", Target: "cpu", Value: []float64{12.5}},
	})
	assert.Equal(t, "load", a.Results[0].Name)
	assert.True(t, a.SameResults(b))

	c := NewResult(Server{ID: "n1"}, def, now, []RequestResult{
		{Name: "load", Target: "load", Attributes: map[string]any{"load1": 0.6}},
	})
	assert.False(t, a.SameResults(c))
	assert.Equal(t, now.UnixMilli(), a.TimestampMillis())
}
