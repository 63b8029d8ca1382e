// Package queue defines the typed FIFO-with-consumer-groups contract:
// push, reserve, ack, reclaim, peek over named streams.
package queue

import (
	"context"
	"encoding/json"

	"github.com/trailofbits/crs-core/internal/wire"
)

// Message is one delivery of a framed record from a queue.
type Message struct {
	ID       string
	Envelope wire.Envelope
}

// Queue is the shared fabric contract. All implementations must make
// reserved-but-unacked messages invisible to other consumers in the same
// group until ack or visibility timeout, and must support reclaiming
// orphaned reservations for crash recovery.
type Queue interface {
	// Push appends record to queueName and returns its monotonic msg_id.
	Push(ctx context.Context, queueName string, env wire.Envelope) (msgID string, err error)

	// Reserve delivers up to n never-delivered messages to consumer under
	// group, blocking up to blockMs milliseconds if none are immediately
	// available. Pending deliveries come back only through Reclaim.
	Reserve(ctx context.Context, queueName, group, consumer string, n int, blockMs int) ([]Message, error)

	// Ack acknowledges msgID, removing it from group's pending set.
	Ack(ctx context.Context, queueName, group, msgID string) error

	// Reclaim reassigns to the caller every pending delivery in group
	// that has been unacked for at least idleMs milliseconds.
	Reclaim(ctx context.Context, queueName, group string, idleMs int64) ([]Message, error)

	// Peek returns up to max records without reserving them.
	Peek(ctx context.Context, queueName string, max int) ([]Message, error)

	// Len reports the current length of queueName, used for high-water
	// back-pressure decisions.
	Len(ctx context.Context, queueName string) (int64, error)

	// Drain removes every record in queueName whose envelope matches,
	// used by the GC sweeper to purge a cancelled task's messages.
	// Returns the number of records removed.
	Drain(ctx context.Context, queueName string, match func(wire.Envelope) bool) (int, error)

	// Delete removes queueName and all its consumer groups entirely (the
	// admin CLI's delete-queue).
	Delete(ctx context.Context, queueName string) error

	// List enumerates known queue names (the admin CLI's list-queues).
	List(ctx context.Context) ([]string, error)
}

// deadLetterRecord preserves a rejected record alongside the reason it
// was refused, for forensics.
type deadLetterRecord struct {
	Reason          string          `json:"reason"`
	OriginalKind    string          `json:"original_kind"`
	OriginalPayload json.RawMessage `json:"original_payload"`
}

// DeadLetter pushes a rejected record onto the dead_letter queue with a
// reason code. Validation failures are never retried; they land here
// instead.
func DeadLetter(ctx context.Context, q Queue, env wire.Envelope, reason string) error {
	rec := deadLetterRecord{Reason: reason, OriginalKind: env.Kind, OriginalPayload: env.Payload}
	out, err := wire.Encode("dead_letter", rec)
	if err != nil {
		return err
	}
	_, err = q.Push(ctx, "dead_letter", out)
	return err
}

// FixedQueueNames are the contractual queue names external
// producers/consumers rely on, plus the dead_letter queue that
// DeadLetter writes to. Components MAY operate on other ad-hoc queues.
var FixedQueueNames = []string{
	"task_download_queue", "task_ready_queue", "task_delete_queue",
	"build_request_queue", "build_output_queue",
	"raw_crash_queue", "tracer_queue", "traced_crash_queue",
	"confirmed_vulnerability_queue", "patch_request_queue", "patch_result_queue",
	"pov_reproduce_request_queue", "pov_reproduce_response_queue",
	"seed_init_queue", "seed_explore_queue", "vuln_discovery_queue",
	"dead_letter",
}
