// Package procexec runs the external build tool and tracer/PoV-reproducer
// binaries as sandboxed subprocesses: a short-lived container per
// invocation with a SIGTERM -> wait -> SIGKILL shutdown escalation.
package procexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/trailofbits/crs-core/internal/logging"
)

// Spec describes one sandboxed invocation.
type Spec struct {
	Image     string
	Cmd       []string
	WorkDir   string // bind-mounted at /workspace inside the sandbox
	Env       []string
	Timeout   time.Duration
	StopGrace time.Duration // defaults to 10s
}

// Result carries the captured output and exit status of a run.
type Result struct {
	Stdout   string
	ExitCode int64
}

// Runner invokes build-tool/tracer/PoV-reproducer binaries inside Docker
// containers on behalf of the builder dispatcher and the patch router's
// PoV-reproduce dispatch.
type Runner struct {
	docker *client.Client
	log    *logging.Logger
}

// New wraps an existing Docker client.
func New(docker *client.Client, log *logging.Logger) *Runner {
	return &Runner{docker: docker, log: log}
}

// Run creates, starts, and waits for a sandboxed container running spec,
// cancelling it (SIGTERM, then SIGKILL after StopGrace) if ctx is
// cancelled or spec.Timeout elapses first.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	grace := spec.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	resp, err := r.docker.ContainerCreate(runCtx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
		Tty:   false,
	}, &container.HostConfig{
		AutoRemove: true,
		Binds:      []string{fmt.Sprintf("%s:/workspace", spec.WorkDir)},
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("procexec: create: %w", err)
	}
	id := resp.ID

	if err := r.docker.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("procexec: start: %w", err)
	}

	statusCh, errCh := r.docker.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		out := r.collectLogs(ctx, id)
		return Result{Stdout: out, ExitCode: status.StatusCode}, nil
	case err := <-errCh:
		r.escalateStop(context.WithoutCancel(ctx), id, grace)
		return Result{}, fmt.Errorf("procexec: wait: %w", err)
	case <-runCtx.Done():
		r.escalateStop(context.WithoutCancel(ctx), id, grace)
		return Result{}, runCtx.Err()
	}
}

// escalateStop implements the SIGTERM -> grace -> SIGKILL shutdown
// sequence.
func (r *Runner) escalateStop(ctx context.Context, containerID string, grace time.Duration) {
	r.log.Info("stopping sandbox container", "container", containerID)
	if err := r.docker.ContainerKill(ctx, containerID, "SIGTERM"); err != nil {
		r.log.Warn("sigterm failed", "container", containerID, "error", err.Error())
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	statusCh, errCh := r.docker.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-statusCh:
		return
	case <-errCh:
	case <-waitCtx.Done():
	}

	r.log.Warn("sandbox did not stop in grace period, sending sigkill", "container", containerID)
	_ = r.docker.ContainerKill(ctx, containerID, "SIGKILL")
}

func (r *Runner) collectLogs(ctx context.Context, containerID string) string {
	out, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ""
	}
	defer out.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, out)
	return buf.String()
}
