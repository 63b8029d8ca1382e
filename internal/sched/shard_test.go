package sched_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trailofbits/crs-core/internal/sched"
)

func TestDispatchSameKeyRunsInOrder(t *testing.T) {
	p := sched.NewPool(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		p.Dispatch("t1", func() {
			mu.Lock()
			got = append(got, i)
			if len(got) == 100 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatched work never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("work for one key ran out of order at %d: %v", i, got[:i+1])
		}
	}
}

func TestShardForIsStable(t *testing.T) {
	p := sched.NewPool(8)
	if p.ShardFor("t1") != p.ShardFor("t1") {
		t.Fatal("same key mapped to different shards")
	}
}

func TestDispatchAfterStopIsDropped(t *testing.T) {
	p := sched.NewPool(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Stop()

	// Must not panic or block.
	p.Dispatch("t1", func() { t.Fatal("work ran after Stop") })
}
