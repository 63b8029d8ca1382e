package downloader_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/queue/redisqueue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/downloader"
	"github.com/trailofbits/crs-core/pkg/model"
)

func newTestEnv(t *testing.T) (*redisqueue.Queue, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisqueue.New(rdb), registry.New(redisstore.New(rdb))
}

func sha256hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func runWorker(t *testing.T, q *redisqueue.Queue, reg *registry.Registry, scratch string) func() {
	t.Helper()
	log := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	w := downloader.New(downloader.Config{ScratchRoot: scratch, MaxAttempts: 2, Consumer: "test"},
		q, reg, cancel.New(), log)

	ctx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()
	return func() {
		cancelRun()
		<-done
	}
}

func pushTask(t *testing.T, q *redisqueue.Queue, reg *registry.Registry, task model.Task) {
	t.Helper()
	ctx := context.Background()
	task.State = model.StateDownloading
	if err := reg.PutTask(ctx, &task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	env, err := wire.Encode("task_download", model.TaskDownload{Task: task})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := q.Push(ctx, "task_download_queue", env); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestDownloadVerifiesAndPublishesReady(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	scratch := t.TempDir()

	repo := []byte("repo tree bytes")
	tooling := []byte("fuzz tooling bytes")
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		switch r.URL.Path {
		case "/repo.tar.gz":
			_, _ = w.Write(repo)
		case "/tooling.tar.gz":
			_, _ = w.Write(tooling)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	stop := runWorker(t, q, reg, scratch)
	defer stop()

	pushTask(t, q, reg, model.Task{
		TaskID: "t1", Type: model.TaskTypeFull,
		DeadlineMs: 1 << 50,
		Sources: []model.SourceRef{
			{SourceType: model.SourceRepo, URL: srv.URL + "/repo.tar.gz", SHA256: sha256hex(repo)},
			{SourceType: model.SourceFuzzTooling, URL: srv.URL + "/tooling.tar.gz", SHA256: sha256hex(tooling)},
		},
	})

	msgs, err := q.Reserve(ctx, "task_ready_queue", "test", "c1", 1, 3000)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("task_ready_queue: err=%v msgs=%d", err, len(msgs))
	}

	sources, err := reg.ScanSourceDetails(ctx, "t1")
	if err != nil {
		t.Fatalf("ScanSourceDetails: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d source details, want 2", len(sources))
	}
	for _, s := range sources {
		if _, err := os.Stat(s.LocalPath); err != nil {
			t.Fatalf("source file missing: %v", err)
		}
	}
}

func TestBlobCacheServesRepeatSources(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	scratch := t.TempDir()

	blob := []byte("shared source bytes")
	sha := sha256hex(blob)
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		_, _ = w.Write(blob)
	}))
	defer srv.Close()

	stop := runWorker(t, q, reg, scratch)
	defer stop()

	for _, taskID := range []string{"t1", "t2"} {
		pushTask(t, q, reg, model.Task{
			TaskID: taskID, Type: model.TaskTypeFull,
			DeadlineMs: 1 << 50,
			Sources: []model.SourceRef{
				{SourceType: model.SourceRepo, URL: srv.URL + "/src.tar.gz", SHA256: sha},
				{SourceType: model.SourceFuzzTooling, URL: srv.URL + "/src.tar.gz", SHA256: sha},
			},
		})
	}

	for i := 0; i < 2; i++ {
		msgs, err := q.Reserve(ctx, "task_ready_queue", "test", "c1", 1, 3000)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("task_ready_queue round %d: err=%v msgs=%d", i, err, len(msgs))
		}
	}

	// Two tasks, four source slots, one unique sha: exactly one fetch.
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("origin fetched %d times, want 1", n)
	}
}

func TestDigestMismatchMarksTaskErrored(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestEnv(t)
	scratch := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not the promised bytes"))
	}))
	defer srv.Close()

	stop := runWorker(t, q, reg, scratch)
	defer stop()

	pushTask(t, q, reg, model.Task{
		TaskID: "t1", Type: model.TaskTypeFull,
		DeadlineMs: 1 << 50,
		Sources: []model.SourceRef{
			{SourceType: model.SourceRepo, URL: srv.URL + "/repo.tar.gz", SHA256: sha256hex([]byte("promised bytes"))},
			{SourceType: model.SourceFuzzTooling, URL: srv.URL + "/tooling.tar.gz", SHA256: sha256hex([]byte("other bytes"))},
		},
	})

	msgs, err := q.Reserve(ctx, "task_delete_queue", "test", "c1", 1, 5000)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("task_delete_queue: err=%v msgs=%d", err, len(msgs))
	}

	task, ok, err := reg.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if task.State != model.StateErrored {
		t.Fatalf("State = %v, want Errored", task.State)
	}
}
