package frame

// FrameBuffer accumulates the raw bytes of one channel between decode calls.
// It belongs to the decoding path of that channel and is not safe for concurrent use.
type FrameBuffer struct {
	data []byte
}

// NewFrameBuffer creates an empty buffer with room for capacity bytes.
func NewFrameBuffer(capacity int) *FrameBuffer {
	return &FrameBuffer{data: make([]byte, 0, capacity)}
}

// Append adds a chunk received from the transport.
func (b *FrameBuffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
}

// Bytes exposes the unconsumed bytes. The slice is only valid until the next mutation.
func (b *FrameBuffer) Bytes() []byte {
	return b.data
}

// Len returns the number of unconsumed bytes.
func (b *FrameBuffer) Len() int {
	return len(b.data)
}

// Consume discards n leading bytes.
func (b *FrameBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	// Shift down instead of reslicing so the backing array does not grow without bound.
	copied := copy(b.data, b.data[n:])
	b.data = b.data[:copied]
}

// Reset drops every buffered byte.
func (b *FrameBuffer) Reset() {
	b.data = b.data[:0]
}
