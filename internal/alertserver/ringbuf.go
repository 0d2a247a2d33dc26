// Package alertserver implements the TCP fan-out side of trigger delivery
// (spec.md §4.7): clients subscribe to a trigger by name and receive a
// line-delimited stream of fired alerts. Grounded on
// original_source/.../trigger/{alert_server,mirror_ringbuf}.c.
package alertserver

import "fmt"

// RingBuffer is a per-client output buffer that lets a slow reader fall
// behind the writer up to its capacity before being disconnected, without
// ever needing to compact or wrap its data in place. It mirrors
// mirror_ringbuf.c's trick of duplicating every write into a second half
// of the backing array so a read of the live region is always contiguous,
// even when it wraps past the end of the buffer.
type RingBuffer struct {
	data     []byte
	capacity int
	readPos  int
	writePos int
}

// NewRingBuffer allocates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]byte, 2*capacity),
		capacity: capacity,
	}
}

// AvailWrite returns how many bytes can be written before the buffer is full.
func (b *RingBuffer) AvailWrite() int {
	return b.capacity - (b.writePos - b.readPos)
}

// AvailRead returns how many unread bytes are buffered.
func (b *RingBuffer) AvailRead() int {
	return b.writePos - b.readPos
}

// Write appends p to the buffer. It returns an error if p would overflow
// the available capacity; callers should disconnect the client in that
// case rather than partially write (mirrors alert_server.c's "hit
// watermark" disconnect).
func (b *RingBuffer) Write(p []byte) error {
	if len(p) > b.AvailWrite() {
		return fmt.Errorf("alertserver: ring buffer watermark exceeded (%d > %d available)", len(p), b.AvailWrite())
	}
	for i, c := range p {
		pos := (b.writePos + i) % b.capacity
		b.data[pos] = c
		b.data[pos+b.capacity] = c
	}
	b.writePos += len(p)
	return nil
}

// Peek returns a contiguous slice of the currently buffered, unread bytes.
// The returned slice aliases the buffer and is only valid until the next
// Write or Consume call.
func (b *RingBuffer) Peek() []byte {
	start := b.readPos % b.capacity
	return b.data[start : start+b.AvailRead()]
}

// Consume advances the read cursor past n bytes, freeing that space for
// future writes.
func (b *RingBuffer) Consume(n int) {
	b.readPos += n
}
