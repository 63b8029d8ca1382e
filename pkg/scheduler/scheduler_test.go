package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/queue/redisqueue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
	"github.com/trailofbits/crs-core/pkg/scheduler"
)

func newTestEnv(t *testing.T) (*redisqueue.Queue, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisqueue.New(rdb), registry.New(redisstore.New(rdb))
}

func newManager(t *testing.T, q *redisqueue.Queue, reg *registry.Registry) (*scheduler.Manager, *cancel.Broadcaster) {
	t.Helper()
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	canceler := cancel.New()
	m := scheduler.New(scheduler.Config{
		TickInterval: 50 * time.Millisecond,
		ShardCount:   2,
		Sanitizers:   []string{"address"},
		Consumer:     "test",
	}, q, reg, canceler, log, nil)
	return m, canceler
}

func awaitState(t *testing.T, reg *registry.Registry, taskID string, want model.TaskState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, ok, err := reg.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if ok && task.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, ok, _ := reg.GetTask(context.Background(), taskID)
	if !ok {
		t.Fatalf("task never reached %s, record missing", want)
	}
	t.Fatalf("task never reached %s, stuck at %s", want, task.State)
}

func seedTask(t *testing.T, reg *registry.Registry, state model.TaskState) *model.Task {
	t.Helper()
	task := &model.Task{
		TaskID:      "t1",
		Type:        model.TaskTypeFull,
		ProjectName: "proj",
		State:       state,
		DeadlineMs:  time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := reg.PutTask(context.Background(), task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	return task
}

func TestTickDrivesDownloadingToReadyAndPushesBuilds(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	m, _ := newManager(t, q, reg)

	seedTask(t, reg, model.StateDownloading)
	for _, st := range []model.SourceType{model.SourceRepo, model.SourceFuzzTooling} {
		err := reg.PutSourceDetail(ctx, &model.SourceDetail{
			TaskID: "t1", SHA256: "sha-" + string(st), SourceType: st, URL: "http://x/" + string(st),
		})
		if err != nil {
			t.Fatalf("PutSourceDetail: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	awaitState(t, reg, "t1", model.StateReady)

	// Entering Ready must push the fuzzer and coverage build requests.
	msgs, err := q.Reserve(ctx, "build_request_queue", "test", "c1", 4, 2000)
	if err != nil || len(msgs) < 2 {
		t.Fatalf("Reserve build_request_queue: err=%v got=%d msgs", err, len(msgs))
	}
	types := map[model.BuildType]bool{}
	for _, msg := range msgs {
		var req model.BuildRequest
		if err := msg.Envelope.Decode(&req); err != nil {
			t.Fatalf("decode build_request: %v", err)
		}
		types[req.BuildType] = true
	}
	if !types[model.BuildFuzzer] || !types[model.BuildCoverage] {
		t.Fatalf("missing build types, got %v", types)
	}

	cancelRun()
	<-done
}

func TestReadyAdvancesToFuzzingAndDeclaresHarnesses(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	m, _ := newManager(t, q, reg)

	seedTask(t, reg, model.StateReady)

	build := &model.BuildOutput{TaskID: "t1", BuildType: model.BuildFuzzer, Sanitizer: "address", Outcome: model.BuildOutcomeOK}
	if _, err := reg.PutBuildPlaceholder(ctx, build); err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if err := reg.PutBuildOutput(ctx, build); err != nil {
		t.Fatalf("PutBuildOutput: %v", err)
	}

	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	awaitState(t, reg, "t1", model.StateFuzzing)

	weights, err := reg.ScanHarnessWeights(ctx, "t1")
	if err != nil {
		t.Fatalf("ScanHarnessWeights: %v", err)
	}
	if len(weights) == 0 {
		t.Fatal("no harnesses declared on entering Fuzzing")
	}

	// Entering Fuzzing must notify the fuzzer-side fleets.
	seedMsgs, err := q.Reserve(ctx, "seed_init_queue", "test", "c1", 4, 2000)
	if err != nil || len(seedMsgs) == 0 {
		t.Fatalf("seed_init_queue: err=%v msgs=%d", err, len(seedMsgs))
	}
	var seedReq model.SeedInitRequest
	if err := seedMsgs[0].Envelope.Decode(&seedReq); err != nil {
		t.Fatalf("decode seed_init_request: %v", err)
	}
	if seedReq.TaskID != "t1" || seedReq.Harness == "" {
		t.Fatalf("unexpected seed request: %+v", seedReq)
	}

	discMsgs, err := q.Reserve(ctx, "vuln_discovery_queue", "test", "c1", 1, 2000)
	if err != nil || len(discMsgs) != 1 {
		t.Fatalf("vuln_discovery_queue: err=%v msgs=%d", err, len(discMsgs))
	}

	cancelRun()
	<-done
}

func TestTaskDeleteCancelsTask(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	m, canceler := newManager(t, q, reg)

	seedTask(t, reg, model.StateFuzzing)

	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	env, err := wire.Encode("task_delete", model.TaskDelete{TaskID: "t1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := q.Push(ctx, "task_delete_queue", env); err != nil {
		t.Fatalf("Push task_delete: %v", err)
	}

	awaitState(t, reg, "t1", model.StateCancelled)

	if !canceler.IsTaskCancelled("t1") {
		t.Fatal("broadcaster did not observe cancellation")
	}

	cancelRun()
	<-done
}

func TestTerminalStateNeverMoves(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	q, reg := newTestEnv(t)
	m, _ := newManager(t, q, reg)

	seedTask(t, reg, model.StateSucceeded)

	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	// Let several ticks pass, then confirm the state held.
	time.Sleep(300 * time.Millisecond)
	task, ok, err := reg.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if task.State != model.StateSucceeded {
		t.Fatalf("terminal state moved to %s", task.State)
	}

	cancelRun()
	<-done
}
