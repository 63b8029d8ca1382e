package builder_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/procexec"
	"github.com/trailofbits/crs-core/internal/queue/redisqueue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/builder"
	"github.com/trailofbits/crs-core/pkg/model"
)

type fakeRunner struct {
	calls   int
	results []procexec.Result
	errs    []error
}

func (f *fakeRunner) Run(ctx context.Context, spec procexec.Spec) (procexec.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var res procexec.Result
	if i < len(f.results) {
		res = f.results[i]
	}
	return res, err
}

func newTestEnv(t *testing.T) (*redisqueue.Queue, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisqueue.New(rdb), registry.New(redisstore.New(rdb))
}

func TestBuildSuccessPublishesOutput(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	run := &fakeRunner{results: []procexec.Result{{ExitCode: 0}}}
	w := builder.New(builder.Config{ScratchRoot: "/scratch", SandboxImage: "img"}, q, reg, run, log, nil)

	req := model.BuildRequest{TaskID: "t1", BuildType: model.BuildFuzzer, Sanitizer: "address"}
	env, _ := wire.Encode("build_request", req)

	if _, pushErr := q.Push(ctx, "build_request_queue", env); pushErr != nil {
		t.Fatalf("Push: %v", pushErr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = w.Run(runCtx); close(done) }()

	outMsgs, err := q.Reserve(ctx, "build_output_queue", "test", "c1", 1, 2000)
	if err != nil || len(outMsgs) != 1 {
		t.Fatalf("Reserve build_output_queue: %v, got %d msgs", err, len(outMsgs))
	}
	var out model.BuildOutput
	if err := outMsgs[0].Envelope.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Outcome != model.BuildOutcomeOK {
		t.Fatalf("Outcome = %v, want OK", out.Outcome)
	}

	cancel()
	<-done
}

func TestBuildJoinsExistingPlaceholderWithoutRunning(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	run := &fakeRunner{}

	placeholder := &model.BuildOutput{TaskID: "t1", BuildType: model.BuildFuzzer, Sanitizer: "address"}
	ok, err := reg.PutBuildPlaceholder(ctx, placeholder)
	if err != nil || !ok {
		t.Fatalf("seed placeholder: ok=%v err=%v", ok, err)
	}

	w := builder.New(builder.Config{ScratchRoot: "/scratch", SandboxImage: "img"}, q, reg, run, log, nil)
	req := model.BuildRequest{TaskID: "t1", BuildType: model.BuildFuzzer, Sanitizer: "address"}
	env, _ := wire.Encode("build_request", req)
	if _, err := q.Push(ctx, "build_request_queue", env); err != nil {
		t.Fatalf("Push: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = w.Run(runCtx); close(done) }()

	// Give the worker a moment to process, then confirm the sandbox was
	// never invoked because the placeholder was already claimed.
	msgs, err := q.Reserve(ctx, "build_output_queue", "test", "c1", 1, 500)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no build_output published on join, got %d", len(msgs))
	}
	if run.calls != 0 {
		t.Fatalf("sandbox runner should not be invoked on join, called %d times", run.calls)
	}

	cancel()
	<-done
}
