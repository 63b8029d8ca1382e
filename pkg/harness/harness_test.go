package harness_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/pkg/harness"
)

func newTestAllocator(t *testing.T) *harness.Allocator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return harness.New(registry.New(redisstore.New(rdb)))
}

func TestSampleReturnsDeclaredHarness(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	if err := a.Declare(ctx, "t1", "pkgA", "fuzz_parse"); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	h, err := a.Sample(ctx, "t1", rng)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if h.Harness != "fuzz_parse" {
		t.Fatalf("Harness = %q, want fuzz_parse", h.Harness)
	}
}

func TestSampleFavorsHigherWeight(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	if err := a.Declare(ctx, "t1", "pkgA", "low"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.Declare(ctx, "t1", "pkgA", "high"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.Scale(ctx, "t1", "pkgA", "high", 1000); err != nil {
		t.Fatalf("Scale: %v", err)
	}

	rng := rand.New(rand.NewSource(2))
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		h, err := a.Sample(ctx, "t1", rng)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		counts[h.Harness]++
	}
	if counts["high"] <= counts["low"] {
		t.Fatalf("expected high-weight harness to dominate sampling, got %v", counts)
	}
}

func TestScaleByNameMatchesAcrossPackages(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	if err := a.Declare(ctx, "t1", "pkgA", "fuzz_parse"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.Declare(ctx, "t1", "pkgB", "fuzz_other"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.ScaleByName(ctx, "t1", "fuzz_parse", 2); err != nil {
		t.Fatalf("ScaleByName: %v", err)
	}

	rng := rand.New(rand.NewSource(5))
	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		h, err := a.Sample(ctx, "t1", rng)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		counts[h.Harness]++
	}
	if counts["fuzz_parse"] <= counts["fuzz_other"] {
		t.Fatalf("scaled harness should dominate sampling, got %v", counts)
	}
}

func TestSampleSuspendedWhenAllWeightsZero(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)

	if err := a.Declare(ctx, "t1", "pkgA", "fuzz_parse"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.Scale(ctx, "t1", "pkgA", "fuzz_parse", 0); err != nil {
		t.Fatalf("Scale: %v", err)
	}

	rng := rand.New(rand.NewSource(4))
	if _, err := a.Sample(ctx, "t1", rng); err == nil {
		t.Fatal("expected error sampling when every weight is zero")
	}
}

func TestSampleErrorsWithNoHarnesses(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t)
	rng := rand.New(rand.NewSource(3))
	if _, err := a.Sample(ctx, "nonexistent", rng); err == nil {
		t.Fatal("expected error sampling with no declared harnesses")
	}
}
