package shared

import (
	"hash/fnv"
	"sync"
)

// Pool is a fixed set of workers, each draining its own bounded queue. Jobs with the same key
// always land on the same worker, so per-key ordering is preserved.
type Pool[T any] struct {
	mu     sync.RWMutex
	closed bool
	chans  []chan T
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines that call handle for every submitted job.
func NewPool[T any](workers, queueSize int, handle func(worker int, job T)) *Pool[T] {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)
	p := &Pool[T]{chans: make([]chan T, workers)}
	for i := 0; i < workers; i++ {
		ch := make(chan T, queueSize)
		p.chans[i] = ch
		p.wg.Add(1)
		go func(id int, in <-chan T) {
			defer p.wg.Done()
			for job := range in {
				handle(id, job)
			}
		}(i, ch)
	}
	return p
}

// TrySubmit enqueues without blocking. It returns false when the worker queue is full or the
// pool is closed; the caller decides whether to retry later.
func (p *Pool[T]) TrySubmit(key string, job T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.chans[Shard(key, len(p.chans))] <- job:
		return true
	default:
		return false
	}
}

// Depth is the number of queued jobs across all workers.
func (p *Pool[T]) Depth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, ch := range p.chans {
		n += len(ch)
	}
	return n
}

// Close stops accepting jobs, drains the queues and waits for the workers.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.chans {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Shard maps a key onto one of n workers.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
