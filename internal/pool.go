package internal

// WorkerPool runs queued work on a fixed number of goroutines.
//
// The resolver uses a pool of size 1 as its serialised work context: every
// resolution, decryption and sync application runs on that single worker, so
// none of them can race each other and the caches they touch need no locking.
// Larger values of N trade that serialisation away for throughput, which is
// only appropriate when the queued work owns no shared state. If more than N
// work is requested, eventually WorkerPool.Queue will block until some work
// is done.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool creates a pool of size n. The channel buffer is also n: with
// n workers there can be n pieces of work in flight, so allowing n more to
// queue before the producer blocks applies backpressure without making the
// channel the bottleneck. A larger buffer would just consume memory up front,
// as make() allocates the backing array immediately.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Already queued work still runs before the workers
// exit. Only call this once, and only after no more Queue calls can occur.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
