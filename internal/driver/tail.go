package driver

import (
	"strconv"
	"sync"
)

// DefaultTailBytes is how much of each output stream a driver keeps for a
// single command.
const DefaultTailBytes = 1 << 20

// TailBuffer is an io.Writer that keeps only the last N bytes written to
// it, so a suite that floods stdout cannot exhaust memory.  Safe for
// concurrent writes.
type TailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

// NewTailBuffer returns a TailBuffer keeping at most maxBytes.
// Non-positive values select DefaultTailBytes.
func NewTailBuffer(maxBytes int) *TailBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	return &TailBuffer{maxBytes: maxBytes}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if over := len(b.contents) - b.maxBytes; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(b.contents, b.contents[over:])
		b.contents = b.contents[:n]
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with a marker when earlier
// output was dropped.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dropped := b.total - int64(len(b.contents)); dropped > 0 {
		return "[... " + strconv.FormatInt(dropped, 10) + " earlier bytes truncated ...]\n" + string(b.contents)
	}
	return string(b.contents)
}

// Truncated reports whether any output was dropped.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}

// TotalBytes is the number of bytes ever written.
func (b *TailBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
