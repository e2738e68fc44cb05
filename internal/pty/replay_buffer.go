package pty

import "sync"

// ReplayBuffer is a fixed-size circular buffer holding the most recent PTY
// output. A transport that attaches mid-session gets the buffer replayed so
// the browser can repaint the screen instead of joining blind. Oldest data
// is overwritten when full; memory stays bounded. Safe for concurrent use.
type ReplayBuffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	writePos int   // next write position, wraps at capacity
	written  int64 // total bytes ever written, detects wrap-around
}

// defaultReplayCapacity is 256 KB, enough for several full screens of a
// TUI-heavy tool.
const defaultReplayCapacity = 262144

// NewReplayBuffer allocates a buffer with the given capacity in bytes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &ReplayBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes if full. Implements
// io.Writer and never fails.
func (b *ReplayBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)

	// Oversized input: only the trailing capacity bytes survive anyway.
	if n >= b.capacity {
		copy(b.buf, p[n-b.capacity:])
		b.writePos = 0
		b.written += int64(n)
		return n, nil
	}

	first := b.capacity - b.writePos
	if first >= n {
		copy(b.buf[b.writePos:], p)
	} else {
		copy(b.buf[b.writePos:], p[:first])
		copy(b.buf, p[first:])
	}

	b.writePos = (b.writePos + n) % b.capacity
	b.written += int64(n)
	return n, nil
}

// Snapshot returns a chronological copy of the buffered output. The slice is
// owned by the caller.
func (b *ReplayBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	length := b.length()
	if length == 0 {
		return nil
	}

	out := make([]byte, length)
	if b.written <= int64(b.capacity) {
		copy(out, b.buf[:length])
	} else {
		tail := b.capacity - b.writePos
		copy(out, b.buf[b.writePos:])
		copy(out[tail:], b.buf[:b.writePos])
	}
	return out
}

// Len returns the number of buffered bytes.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length()
}

func (b *ReplayBuffer) length() int {
	if b.written < int64(b.capacity) {
		return int(b.written)
	}
	return b.capacity
}
