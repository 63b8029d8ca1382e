// Package downloader implements the fetch-and-unpack worker fleet:
// consume TaskDownload, fetch every SourceDetail by URL, verify
// sha256, deduplicate via a content-addressed blob cache, and publish
// task_ready (or TaskDelete on unrecoverable failure).
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/errs"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
)

// maxAttempts caps fetch retries per source.
const maxAttempts = 5

const groupName = "downloader"

// Config configures a Worker.
type Config struct {
	ScratchRoot string
	MaxAttempts int
	HTTPTimeout time.Duration
	Consumer    string
}

// Worker is one stateless member of the downloader fleet.
type Worker struct {
	cfg      Config
	q        queue.Queue
	reg      *registry.Registry
	canceler *cancel.Broadcaster
	log      *logging.Logger
	http     *http.Client
}

// New builds a Worker.
func New(cfg Config, q queue.Queue, reg *registry.Registry, canceler *cancel.Broadcaster, log *logging.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = maxAttempts
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Worker{
		cfg: cfg, q: q, reg: reg, canceler: canceler,
		log:  log.WithField("component", "downloader"),
		http: &http.Client{Timeout: timeout},
	}
}

// Run loops reserving from task_download_queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.canceler.GlobalChannel():
			return nil
		default:
		}

		msgs, err := w.q.Reserve(ctx, "task_download_queue", groupName, w.cfg.Consumer, 1, 5000)
		if err != nil {
			w.log.Error("reserve failed", "error", err.Error())
			continue
		}
		for _, m := range msgs {
			w.handle(ctx, m)
		}
	}
}

func (w *Worker) handle(ctx context.Context, m queue.Message) {
	var td model.TaskDownload
	if err := m.Envelope.Decode(&td); err != nil {
		w.log.Error("malformed task_download record, dropping to dead_letter", "error", err.Error())
		w.deadLetter(ctx, m, err)
		_ = w.q.Ack(ctx, "task_download_queue", groupName, m.ID)
		return
	}
	taskID := td.Task.TaskID
	log := w.log.WithField("task_id", taskID)

	if err := w.downloadAll(ctx, td.Task); err != nil {
		log.Error("download failed, marking task errored", "error", err.Error())
		w.markErroredAndDelete(ctx, taskID)
	} else {
		w.publishReady(ctx, taskID)
	}

	// Ack unconditionally: every failure branch above has already
	// produced a terminal side effect (errored+TaskDelete, or
	// task_ready). Redelivery after a crash mid-handle is safe because
	// downloadOne is itself idempotent (content-addressed, atomic
	// rename) and markErroredAndDelete / publishReady are idempotent by
	// construction (registry CAS, queue push).
	_ = w.q.Ack(ctx, "task_download_queue", groupName, m.ID)
}

func (w *Worker) deadLetter(ctx context.Context, m queue.Message, reason error) {
	msg := fmt.Sprintf("%s: %v", errs.KindValidation, reason)
	_ = queue.DeadLetter(ctx, w.q, m.Envelope, msg)
}

func (w *Worker) downloadAll(ctx context.Context, task model.Task) error {
	for _, src := range task.Sources {
		if w.canceler.IsTaskCancelled(task.TaskID) {
			return fmt.Errorf("task cancelled during download")
		}
		localPath, sha, err := w.downloadOne(ctx, task.TaskID, src)
		if err != nil {
			return err
		}
		detail := &model.SourceDetail{
			TaskID: task.TaskID, SHA256: sha, SourceType: src.SourceType,
			URL: src.URL, LocalPath: localPath,
		}
		if err := w.reg.PutSourceDetail(ctx, detail); err != nil {
			return err
		}
	}
	return nil
}

// downloadOne fetches src with an exponential-backoff retry loop capped
// at MaxAttempts, checking cancellation before each retry.
func (w *Worker) downloadOne(ctx context.Context, taskID string, src model.SourceRef) (localPath, sha256hex string, err error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoffExponential(), uint64(w.effectiveMaxAttempts()-1)), ctx)

	op := func() error {
		if w.canceler.IsTaskCancelled(taskID) {
			return backoff.Permanent(fmt.Errorf("task %s cancelled", taskID))
		}
		p, s, e := w.fetchAndCache(ctx, taskID, src)
		if e != nil {
			return e
		}
		localPath, sha256hex = p, s
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return "", "", err
	}
	return localPath, sha256hex, nil
}

func (w *Worker) effectiveMaxAttempts() int {
	if w.cfg.MaxAttempts > 0 {
		return w.cfg.MaxAttempts
	}
	return maxAttempts
}

func backoffExponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

// fetchAndCache fetches src.URL into the content-addressed blob cache at
// <scratch>/.blobs/<sha[:2]>/<sha>, then hard-links (falling back to copy)
// it into <scratch>/<task_id>/sources/<role>/. On cache hit the fetch is skipped
// entirely.
func (w *Worker) fetchAndCache(ctx context.Context, taskID string, src model.SourceRef) (string, string, error) {
	role := string(src.SourceType)
	destDir := filepath.Join(w.cfg.ScratchRoot, taskID, "sources", role)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir %s: %w", destDir, err)
	}

	if src.SHA256 != "" {
		if cached := w.blobPath(src.SHA256); fileExists(cached) {
			dest := filepath.Join(destDir, filepath.Base(src.URL))
			if err := linkOrCopy(cached, dest); err != nil {
				return "", "", err
			}
			return dest, src.SHA256, nil
		}
	}

	tmp, sha, err := w.fetchToTemp(ctx, src.URL)
	if err != nil {
		return "", "", err
	}
	defer os.Remove(tmp)

	if src.SHA256 != "" && sha != src.SHA256 {
		return "", "", fmt.Errorf("sha256 mismatch for %s: got %s want %s", src.URL, sha, src.SHA256)
	}

	cached := w.blobPath(sha)
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		return "", "", err
	}
	if err := atomicMove(tmp, cached); err != nil {
		return "", "", err
	}

	dest := filepath.Join(destDir, filepath.Base(src.URL))
	if err := linkOrCopy(cached, dest); err != nil {
		return "", "", err
	}
	return dest, sha, nil
}

func (w *Worker) blobPath(sha string) string {
	return filepath.Join(w.cfg.ScratchRoot, ".blobs", sha[:2], sha)
}

func (w *Worker) fetchToTemp(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	// The temp file lives on the scratch filesystem so the later rename
	// into the blob cache stays atomic (rename does not cross devices).
	tmpDir := filepath.Join(w.cfg.ScratchRoot, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", "", err
	}
	tmp, err := os.CreateTemp(tmpDir, "crs-download-*")
	if err != nil {
		return "", "", err
	}
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		return "", "", err
	}
	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func atomicMove(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	return nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (w *Worker) markErroredAndDelete(ctx context.Context, taskID string) {
	_ = w.reg.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.State = model.StateErrored
		return nil
	})
	env, _ := wire.Encode("task_delete", model.TaskDelete{TaskID: taskID})
	_, _ = w.q.Push(ctx, "task_delete_queue", env)
}

func (w *Worker) publishReady(ctx context.Context, taskID string) {
	env, _ := wire.Encode("task_ready", struct {
		TaskID string `json:"task_id"`
	}{TaskID: taskID})
	_, _ = w.q.Push(ctx, "task_ready_queue", env)
}
