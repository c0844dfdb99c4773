package goid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, uint64(123), parse([]byte("goroutine 123 [running]:\nmain.main()")))
	assert.Equal(t, uint64(0), parse([]byte("thread 7 [running]")))
	assert.Equal(t, uint64(0), parse([]byte("goroutine x [running]")))
}

func TestGetGIDDiffersAcrossGoroutines(t *testing.T) {
	main := GetGID()
	assert.NotZero(t, main)
	ch := make(chan uint64)
	go func() { ch <- GetGID() }()
	assert.NotEqual(t, main, <-ch)
}
