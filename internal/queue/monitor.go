package queue

import (
	"context"
	"time"

	"github.com/trailofbits/crs-core/internal/kv"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
)

// fullKeyPrefix marks queues past their high-water mark. Producers of
// high-volume queues (raw crashes, seeds) check the advisory key before
// pushing and pause while it is set.
const fullKeyPrefix = "queue_full:"

// FullKey returns the advisory back-pressure key for queueName.
func FullKey(queueName string) string { return fullKeyPrefix + queueName }

// IsFull reports whether queueName's advisory full key is currently set.
func IsFull(ctx context.Context, store kv.Store, queueName string) (bool, error) {
	_, ok, err := store.Get(ctx, FullKey(queueName))
	return ok, err
}

// Monitor periodically measures every fixed queue's depth, publishes it as
// a gauge, and maintains the advisory full keys against the configured
// high-water mark.
type Monitor struct {
	q         Queue
	store     kv.Store
	met       *metrics.Registry
	log       *logging.Logger
	highWater int64
	interval  time.Duration
}

// NewMonitor builds a Monitor. met may be nil.
func NewMonitor(q Queue, store kv.Store, met *metrics.Registry, log *logging.Logger, highWater int64, interval time.Duration) *Monitor {
	if highWater <= 0 {
		highWater = 10000
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		q: q, store: store, met: met,
		log:       log.WithField("component", "queuemonitor"),
		highWater: highWater, interval: interval,
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	for _, name := range FixedQueueNames {
		depth, err := m.q.Len(ctx, name)
		if err != nil {
			m.log.Warn("queue depth probe failed", "queue", name, "error", err.Error())
			continue
		}
		if m.met != nil {
			m.met.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}

		if depth >= m.highWater {
			// CAS-insert; losing the race to another monitor is fine.
			if _, err := m.store.CAS(ctx, FullKey(name), nil, []byte("1")); err != nil {
				m.log.Warn("set full key failed", "queue", name, "error", err.Error())
			}
		} else {
			if err := m.store.Del(ctx, FullKey(name)); err != nil {
				m.log.Warn("clear full key failed", "queue", name, "error", err.Error())
			}
		}
	}
}
