package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/kv/redisstore"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisstore.New(rdb)
}

func TestCASInsertThenConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.CAS(ctx, "tasks:t1", nil, []byte("v1"))
	if err != nil || !ok {
		t.Fatalf("initial insert: ok=%v err=%v", ok, err)
	}

	// A second blind insert against the same absent-precondition must fail.
	ok, err = s.CAS(ctx, "tasks:t1", nil, []byte("v2"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatal("second insert should have failed: key already exists")
	}

	// Correct old value lets the update through.
	ok, err = s.CAS(ctx, "tasks:t1", []byte("v1"), []byte("v2"))
	if err != nil || !ok {
		t.Fatalf("update with correct old: ok=%v err=%v", ok, err)
	}

	v, found, err := s.Get(ctx, "tasks:t1")
	if err != nil || !found || string(v) != "v2" {
		t.Fatalf("Get after update: v=%s found=%v err=%v", v, found, err)
	}
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, k := range []string{"crashes:t1/a", "crashes:t1/b", "crashes:t2/a"} {
		if _, err := s.CAS(ctx, k, nil, []byte("x")); err != nil {
			t.Fatalf("CAS %s: %v", k, err)
		}
	}

	got, err := s.ScanPrefix(ctx, "crashes:t1/")
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ScanPrefix returned %d entries, want 2: %v", len(got), got)
	}
}

func TestDelAndIncr(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.CAS(ctx, "k", nil, []byte("v")); err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatal("key should be gone after Del")
	}

	v, err := s.Incr(ctx, "counter", 3)
	if err != nil || v != 3 {
		t.Fatalf("Incr: v=%d err=%v", v, err)
	}
	v, err = s.Incr(ctx, "counter", -1)
	if err != nil || v != 2 {
		t.Fatalf("Incr decrement: v=%d err=%v", v, err)
	}
}
