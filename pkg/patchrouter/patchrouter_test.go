package patchrouter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/queue/redisqueue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
	"github.com/trailofbits/crs-core/pkg/patchrouter"
)

func newTestEnv(t *testing.T) (*redisqueue.Queue, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisqueue.New(rdb), registry.New(redisstore.New(rdb))
}

func seedVulnerability(t *testing.T, reg *registry.Registry, deadline time.Time) {
	t.Helper()
	ctx := context.Background()
	task := &model.Task{TaskID: "t1", Type: model.TaskTypeFull, State: model.StateVulnerabilities, DeadlineMs: deadline.UnixMilli()}
	if err := reg.PutTask(ctx, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	vuln := &model.ConfirmedVulnerability{InternalPatchID: "p1", TaskID: "t1", CrashTokens: []string{"tok1"}}
	if err := reg.PutVulnerability(ctx, vuln); err != nil {
		t.Fatalf("PutVulnerability: %v", err)
	}
}

func pushConfirmed(t *testing.T, q *redisqueue.Queue) {
	t.Helper()
	v := model.ConfirmedVulnerability{InternalPatchID: "p1", TaskID: "t1", CrashTokens: []string{"tok1"}}
	env, err := wire.Encode("confirmed_vulnerability", v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := q.Push(context.Background(), "confirmed_vulnerability_queue", env); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestConfirmedVulnerabilityRequestsPatch(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := patchrouter.New(q, reg, log, "test")

	seedVulnerability(t, reg, time.Now().Add(time.Hour))
	pushConfirmed(t, q)

	done := make(chan struct{})
	go func() { _ = w.RunRequest(ctx); close(done) }()

	msgs, err := q.Reserve(ctx, "patch_request_queue", "test", "c1", 1, 3000)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("patch_request_queue: err=%v msgs=%d", err, len(msgs))
	}
	var req model.PatchRequest
	if err := msgs[0].Envelope.Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.InternalPatchID != "p1" || len(req.CrashTokens) != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}

	// A ledger entry must exist before the submitter ever sees the task.
	if _, ok, err := reg.GetSubmissionEntry(ctx, "p1"); err != nil || !ok {
		t.Fatalf("submission entry missing: ok=%v err=%v", ok, err)
	}

	cancelRun()
	<-done
}

func TestFreezeWindowSuppressesPatchRequests(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := patchrouter.New(q, reg, log, "test")

	// Deadline inside the freeze window: the request must be suppressed.
	seedVulnerability(t, reg, time.Now().Add(5*time.Minute))
	pushConfirmed(t, q)

	done := make(chan struct{})
	go func() { _ = w.RunRequest(ctx); close(done) }()

	msgs, err := q.Reserve(ctx, "patch_request_queue", "test", "c1", 1, 500)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("patch request issued inside freeze window")
	}

	cancelRun()
	<-done
}

func TestPatchExhaustionSetsStop(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := patchrouter.New(q, reg, log, "test")

	seedVulnerability(t, reg, time.Now().Add(time.Hour))
	if err := reg.PutSubmissionEntry(ctx, &model.SubmissionEntry{InternalPatchID: "p1", TaskID: "t1"}); err != nil {
		t.Fatalf("PutSubmissionEntry: %v", err)
	}

	done := make(chan struct{})
	go func() { _ = w.RunPatchResult(ctx); close(done) }()

	// Three errored patch attempts exhaust the cap.
	for i := 0; i < 3; i++ {
		res := model.PatchResult{TaskID: "t1", InternalPatchID: "p1", PatchText: "bad diff", Errored: true}
		env, err := wire.Encode("patch_result", res)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := q.Push(ctx, "patch_result_queue", env); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok, err := reg.GetSubmissionEntry(ctx, "p1")
		if err != nil {
			t.Fatalf("GetSubmissionEntry: %v", err)
		}
		if ok && entry.Stop {
			if entry.PatchSubmissionAttempts < 3 {
				t.Fatalf("stop set after only %d attempts", entry.PatchSubmissionAttempts)
			}
			cancelRun()
			<-done

			// The first two failures re-request; the third gives up.
			msgs, err := q.Reserve(context.Background(), "patch_request_queue", "test", "c1", 10, 500)
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if len(msgs) != 2 {
				t.Fatalf("re-requests = %d, want 2", len(msgs))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stop was never set after exhausting patch attempts")
}
