// Package sched hosts the sharding router that pins every task to exactly
// one worker goroutine: hash(task_id) mod N picks the shard, and because a
// shard processes its queue serially, all events for one task are totally
// ordered.
package sched

import (
	"context"
	"hash/fnv"
	"sync"
)

// Pool is a fixed set of shard goroutines, each draining its own work
// channel in submission order.
type Pool struct {
	shards []chan func()
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a Pool with n shards. n must be > 0.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	shards := make([]chan func(), n)
	for i := range shards {
		shards[i] = make(chan func(), 256)
	}
	return &Pool{shards: shards}
}

// Start launches the shard goroutines. Each drains its channel until Stop
// closes it or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for _, ch := range p.shards {
		ch := ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case fn, ok := <-ch:
					if !ok {
						return
					}
					fn()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// ShardFor returns the shard index key maps to.
func (p *Pool) ShardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % len(p.shards)
}

// Dispatch enqueues fn on the shard owning key. Work dispatched under the
// same key runs in dispatch order on a single goroutine; work under
// different keys may run concurrently. Dispatch blocks when the shard's
// queue is full, providing natural back-pressure to the event producers.
func (p *Pool) Dispatch(key string, fn func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ch := p.shards[p.ShardFor(key)]
	p.mu.Unlock()

	ch <- fn
}

// Stop closes every shard channel and waits for in-flight work to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}
