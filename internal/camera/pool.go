package camera

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool recycles payload buffers between frames to keep the capture
// path allocation-free in steady state.
type bufferPool struct {
	pool sync.Pool

	// Metrics
	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

func newBufferPool(sizeHint int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() interface{} {
		bp.misses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, sizeHint))
	}
	return bp
}

func (bp *bufferPool) Get() *bytes.Buffer {
	bp.gets.Add(1)
	buf := bp.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	bp.puts.Add(1)
	bp.pool.Put(buf)
}

// PoolStats is a snapshot of buffer pool activity.
type PoolStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64
}

func (bp *bufferPool) Stats() PoolStats {
	return PoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}
