package loadtest

import "sync"

// ballastSize is a minimum heap size held for the length of a run, when
// thousands of connections churn small allocations. GOGC+GOMEMLIMIT can't
// express this. It only allocates virtual memory, not RSS.
const ballastSize = 25_000_000

func newBallast(size int) []byte {
	return make([]byte, 0, size)
}

// drainBufSize matches io.Copy's default buffer.
const drainBufSize = 32 * 1024

// bufferPool shares body-drain buffers between concurrent requests.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
