// Package capture bounds the output collected from untrusted processes.
package capture

import "bytes"

// Marker is appended to output that was cut at the ceiling.
const Marker = "\n... (output truncated)"

// Buffer keeps the first Limit bytes written to it and silently discards the
// rest, so a chatty process never fails on a closed pipe or grows memory
// without bound.
type Buffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewBuffer returns a Buffer that retains at most limit bytes.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Truncated reports whether any bytes were dropped.
func (b *Buffer) Truncated() bool { return b.truncated }

// String returns the retained bytes, followed by Marker if anything was
// dropped.
func (b *Buffer) String() string {
	if b.truncated {
		return b.buf.String() + Marker
	}
	return b.buf.String()
}
