// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stepexec

import "sync"

// TailBuffer is a thread-safe writer that keeps the last max bytes of a
// subprocess stream. When a step floods its output the head is dropped;
// the tail is where exit diagnostics live.
type TailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

// NewTailBuffer creates a buffer bounded at max bytes.
func NewTailBuffer(max int) *TailBuffer {
	if max < 1 {
		max = DefaultCaptureLimit
	}
	return &TailBuffer{max: max}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf)+len(p) > b.max {
		b.truncated = true
	}
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		return len(p), nil
	}
	if overflow := len(b.buf) + len(p) - b.max; overflow > 0 {
		n := copy(b.buf, b.buf[overflow:])
		b.buf = b.buf[:n]
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns the captured tail.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether any bytes were dropped.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
