package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailBuffer_UnderLimit(t *testing.T) {
	b := NewTailBuffer(16)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))

	assert.Equal(t, "hello world", b.String())
	assert.False(t, b.Truncated())
	assert.EqualValues(t, 11, b.TotalBytes())
}

func TestTailBuffer_KeepsMostRecentBytes(t *testing.T) {
	b := NewTailBuffer(4)
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))

	assert.True(t, b.Truncated())
	assert.EqualValues(t, 8, b.TotalBytes())
	out := b.String()
	assert.True(t, strings.HasSuffix(out, "efgh"), out)
	assert.Contains(t, out, "4 earlier bytes truncated")
}

func TestTailBuffer_DefaultSize(t *testing.T) {
	b := NewTailBuffer(0)
	assert.Equal(t, DefaultTailBytes, b.maxBytes)
}
