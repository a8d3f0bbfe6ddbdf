package pools

import "sync"

// CopyBufferSize is the size of the buffers streamed response bodies are
// copied through.
const CopyBufferSize = 32 << 10

// BufferPool recycles byte slices of one fixed size
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool handing out buffers of size bytes
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size is the length of every buffer from Get
func (p *BufferPool) Size() int { return p.size }

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *BufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put recycles buf. Buffers of any other capacity are dropped.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

var copyBuffers = NewBufferPool(CopyBufferSize)

// GetCopyBuffer takes a CopyBufferSize buffer from the shared pool
func GetCopyBuffer() []byte { return copyBuffers.Get() }

// PutCopyBuffer returns a buffer from GetCopyBuffer
func PutCopyBuffer(buf []byte) { copyBuffers.Put(buf) }
