package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBannerColors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Banner(&buf, "ic", "ColorBlue", "node-1 v1.0.0"))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Greater(t, len(lines), 1)
	for _, l := range lines[:len(lines)-1] {
		assert.True(t, strings.HasPrefix(l, ColorBlue), l)
		assert.True(t, strings.HasSuffix(l, ColorReset), l)
	}
	assert.Equal(t, "node-1 v1.0.0", lines[len(lines)-1])
}

func TestBannerUnknownColor(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Banner(&buf, "ic", "magenta", ""))
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.Equal(t, ColorGreen, colorCode("green"))
}
