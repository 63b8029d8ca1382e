package fuzzmerge_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/queue/redisqueue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/fuzzmerge"
	"github.com/trailofbits/crs-core/pkg/model"
)

func newTestEnv(t *testing.T) (*redisqueue.Queue, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisqueue.New(rdb), registry.New(redisstore.New(rdb))
}

func drainOne(ctx context.Context, t *testing.T, q *redisqueue.Queue, queueName string) wire.Envelope {
	t.Helper()
	msgs, err := q.Reserve(ctx, queueName, "test", "c1", 1, 1000)
	if err != nil {
		t.Fatalf("Reserve(%s): %v", queueName, err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Reserve(%s): got %d messages, want 1", queueName, len(msgs))
	}
	return msgs[0].Envelope
}

func TestDedupRoutesNewCrashToTracer(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := fuzzmerge.New(q, reg, log, nil, "c1")

	c := model.Crash{
		TaskID: "t1", CrashID: "c1", Target: model.BuildRef{Sanitizer: "address"},
		Stacktrace:    "#0 0x1 in foo f.c:1:1\n#1 0x2 in bar f.c:2:1\n",
		CrashInputRef: "blob://raw1",
	}
	env, _ := wire.Encode("crash", c)
	if _, err := q.Push(ctx, "raw_crash_queue", env); err != nil {
		t.Fatalf("Push: %v", err)
	}

	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = w.RunDedup(runCtx)
		close(done)
	}()

	tracerEnv := drainOne(ctx, t, q, "tracer_queue")
	var routed model.Crash
	if err := tracerEnv.Decode(&routed); err != nil {
		t.Fatalf("decode tracer_queue payload: %v", err)
	}
	if routed.CrashToken == "" {
		t.Fatal("expected crash_token to be set before routing to tracer")
	}

	cancel()
	<-done
}

func TestFreshCrashRewardsHarnessWeight(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := fuzzmerge.New(q, reg, log, nil, "c1")

	if err := reg.DeclareHarness(ctx, "t1", "pkgA", "fuzz_parse"); err != nil {
		t.Fatalf("DeclareHarness: %v", err)
	}

	c := model.Crash{
		TaskID: "t1", CrashID: "c1", HarnessName: "fuzz_parse",
		Target:     model.BuildRef{Sanitizer: "address"},
		Stacktrace: "#0 0x1 in foo f.c:1:1\n",
	}
	env, _ := wire.Encode("crash", c)
	if _, err := q.Push(ctx, "raw_crash_queue", env); err != nil {
		t.Fatalf("Push: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.RunDedup(runCtx)
		close(done)
	}()

	drainOne(ctx, t, q, "tracer_queue")
	cancel()
	<-done

	weights, err := reg.ScanHarnessWeights(ctx, "t1")
	if err != nil || len(weights) != 1 {
		t.Fatalf("ScanHarnessWeights: %v, %d weights", err, len(weights))
	}
	if weights[0].Weight <= 1.0 {
		t.Fatalf("Weight = %v, want > 1.0 after a fresh crash", weights[0].Weight)
	}
}

func TestDuplicateCrashesCollapseToOneRecord(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	met, _ := metrics.New()
	w := fuzzmerge.New(q, reg, log, met, "c1")

	// Many raw crashes sharing one normalized trace must collapse to a
	// single Crash record and a single tracer dispatch.
	for i := 0; i < 10; i++ {
		c := model.Crash{
			TaskID: "t1", CrashID: "c1", Target: model.BuildRef{Sanitizer: "address"},
			Stacktrace:    "#0 0x1 in foo f.c:1:1\n#1 0x2 in bar f.c:2:1\n",
			CrashInputRef: "blob://raw1",
		}
		env, _ := wire.Encode("crash", c)
		if _, err := q.Push(ctx, "raw_crash_queue", env); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.RunDedup(runCtx)
		close(done)
	}()

	drainOne(ctx, t, q, "tracer_queue")

	// Wait until the other nine were seen and discarded as duplicates.
	deduped := met.CrashesDeduped.WithLabelValues("t1")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && testutil.ToFloat64(deduped) < 9 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := testutil.ToFloat64(deduped); n != 9 {
		t.Fatalf("deduped %v crashes, want 9", n)
	}

	extra, err := q.Reserve(ctx, "tracer_queue", "test", "c1", 10, 200)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(extra) != 0 {
		t.Fatalf("duplicates reached the tracer: %d extra dispatches", len(extra))
	}

	cancel()
	<-done
}

func TestConfirmCreatesVulnerabilityWithInternalPatchID(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := fuzzmerge.New(q, reg, log, nil, "c1")

	tc := model.TracedCrash{
		Crash:            model.Crash{TaskID: "t1", CrashID: "c1", CrashToken: "tok1"},
		TracerStacktrace: "confirmed",
	}
	env, _ := wire.Encode("traced_crash", tc)
	if _, err := q.Push(ctx, "traced_crash_queue", env); err != nil {
		t.Fatalf("Push: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.RunConfirm(runCtx)
		close(done)
	}()

	confirmedEnv := drainOne(ctx, t, q, "confirmed_vulnerability_queue")
	var v model.ConfirmedVulnerability
	if err := confirmedEnv.Decode(&v); err != nil {
		t.Fatalf("decode confirmed_vulnerability: %v", err)
	}
	if v.InternalPatchID == "" {
		t.Fatal("expected a fresh internal_patch_id to be allocated")
	}
	if len(v.CrashTokens) != 1 || v.CrashTokens[0] != "tok1" {
		t.Fatalf("CrashTokens = %v", v.CrashTokens)
	}

	cancel()
	<-done
}
