// Package parallel provides the data-parallel loop used by every
// per-particle phase of the solvers.
package parallel

import (
	"runtime"
	"sync"
)

const (
	// DefaultThreshold is the minimum range length that is split across
	// workers. Below this, goroutine hand-off costs more than it saves.
	DefaultThreshold = 64

	// DefaultMinChunk is the smallest range handed to a single worker.
	DefaultMinChunk = 16
)

// Executor runs fn over [0, n) split into contiguous ranges.
// For returns only after every range has completed, so consecutive calls
// are separated by a full barrier.
type Executor interface {
	For(n int, fn func(start, end int))
	Workers() int
}

// ForEach calls fn once per index in [0, n) using e.
func ForEach(e Executor, n int, fn func(i int)) {
	e.For(n, func(start, end int) {
		for i := start; i < end; i++ {
			fn(i)
		}
	})
}

// Sequential runs every range on the calling goroutine.
type Sequential struct{}

func (Sequential) For(n int, fn func(start, end int)) {
	if n > 0 {
		fn(0, n)
	}
}

func (Sequential) Workers() int { return 1 }

// workChunk is a range of indices for a worker to process.
type workChunk struct {
	start, end int
	fn         func(start, end int)
}

// Pool is an Executor backed by persistent worker goroutines.
// For must not be called from inside fn.
type Pool struct {
	numWorkers int
	minChunk   int
	threshold  int

	mu sync.Mutex // serializes For calls

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

// NewPool creates a pool. Zero or negative arguments select defaults:
// GOMAXPROCS workers, DefaultMinChunk, DefaultThreshold.
func NewPool(workers, minChunk, threshold int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if minChunk <= 0 {
		minChunk = DefaultMinChunk
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Pool{
		numWorkers: workers,
		minChunk:   minChunk,
		threshold:  threshold,
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.numWorkers
}

// startWorkers launches the worker goroutines on first use.
func (p *Pool) startWorkers() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// worker processes chunks until stopped.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// For splits [0, n) into at most Workers() chunks and waits for all of them.
func (p *Pool) For(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if n < p.threshold || p.numWorkers == 1 {
		fn(0, n)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.startWorkers()

	chunkSize := max((n+p.numWorkers-1)/p.numWorkers, p.minChunk)

	dispatched := 0
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		p.workChan <- workChunk{start: start, end: end, fn: fn}
		dispatched++
	}

	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}

// Close stops the workers. The pool restarts them if used again.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}
