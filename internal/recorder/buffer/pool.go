package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// PayloadPool recycles raw frame payloads. Capture callbacks only lend their
// buffers for the duration of one hand-off, so every raw frame is copied
// into a pooled slice that is returned once the compressor is done with it.
//
// Buffers come in power-of-two size classes up to maxSize. Larger requests
// are allocated and left to the GC.
type PayloadPool struct {
	classes []sync.Pool // classes[i] holds buffers of cap 1<<i
	maxSize int
	logger  recorderlog.Logger

	allocated atomic.Uint64
	inUse     atomic.Int64
	reused    atomic.Uint64
	oversized atomic.Uint64
}

// NewPayloadPool creates a pool that recycles buffers up to maxSize bytes.
func NewPayloadPool(maxSize int, logger recorderlog.Logger) *PayloadPool {
	p := &PayloadPool{
		maxSize: maxSize,
		logger:  recorderlog.OrNop(logger).Named("payload-pool"),
	}
	if maxSize > 0 {
		p.classes = make([]sync.Pool, sizeClass(maxSize)+1)
	}
	return p
}

// sizeClass returns the smallest i with 1<<i >= n.
func sizeClass(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Get returns a zero-offset slice of length size.
func (p *PayloadPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	c := sizeClass(size)
	if c >= len(p.classes) || 1<<c > p.maxSize {
		p.oversized.Add(1)
		return make([]byte, size)
	}

	p.inUse.Add(1)
	if buf, ok := p.classes[c].Get().([]byte); ok {
		p.reused.Add(1)
		return buf[:size]
	}
	if p.allocated.Add(1)%1024 == 0 {
		p.logger.Debug("Payload pool growing",
			recorderlog.Uint64("allocated", p.allocated.Load()),
			recorderlog.Int64("in_use", p.inUse.Load()))
	}
	return make([]byte, size, 1<<c)
}

// Put returns buf to its size class. Buffers that fit no class are dropped.
func (p *PayloadPool) Put(buf []byte) {
	n := cap(buf)
	if n == 0 || n&(n-1) != 0 || n > p.maxSize {
		return
	}
	p.inUse.Add(-1)
	p.classes[sizeClass(n)].Put(buf[:n])
}

// Copy returns a pooled copy of src and the function that releases it.
func (p *PayloadPool) Copy(src []byte) ([]byte, func([]byte)) {
	dst := p.Get(len(src))
	copy(dst, src)
	return dst, p.Put
}

// Metrics returns pool statistics
func (p *PayloadPool) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"allocated": p.allocated.Load(),
		"in_use":    p.inUse.Load(),
		"reused":    p.reused.Load(),
		"oversized": p.oversized.Load(),
	}
}
