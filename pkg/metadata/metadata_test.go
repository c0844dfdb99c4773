package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cpu.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unit":"percent","labels":{"host":"a"}}`))
	}))
	defer srv.Close()

	c := NewClient(0)
	md, err := c.Fetch(context.Background(), srv.URL+"/cpu.json")
	require.NoError(t, err)
	assert.Equal(t, "percent", md["unit"])
	assert.Equal(t, map[string]any{"host": "a"}, md["labels"])

	_, err = c.Fetch(context.Background(), srv.URL+"/missing.json")
	assert.ErrorContains(t, err, "unexpected status")
}

func TestFetchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0644))

	c := NewClient(0)
	for _, ref := range []string{path, "file://" + path} {
		md, err := c.Fetch(context.Background(), ref)
		require.NoError(t, err, ref)
		assert.Equal(t, float64(1), md["a"])
	}
}

func TestFetchErrors(t *testing.T) {
	c := NewClient(0)
	_, err := c.Fetch(context.Background(), "ftp://example.com/md.json")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Decode([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = Decode([]byte(`null`))
	assert.Error(t, err)
}
