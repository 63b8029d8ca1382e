// Package builder implements the build dispatcher: consume
// BuildRequest, enforce the at-most-one-concurrent-build rule via a
// registry CAS placeholder, invoke the build tool inside a sandbox, and
// publish the resulting BuildOutput.
package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/procexec"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
)

const groupName = "builder"

// Config configures a Worker.
type Config struct {
	ScratchRoot  string
	SandboxImage string
	Consumer     string
}

// SandboxRunner is the subset of *procexec.Runner the builder depends on,
// narrowed to an interface so tests can substitute a fake sandbox.
type SandboxRunner interface {
	Run(ctx context.Context, spec procexec.Spec) (procexec.Result, error)
}

// Worker is one member of the build dispatcher fleet.
type Worker struct {
	cfg Config
	q   queue.Queue
	reg *registry.Registry
	run SandboxRunner
	log *logging.Logger
	met *metrics.Registry
}

// New builds a Worker. met may be nil.
func New(cfg Config, q queue.Queue, reg *registry.Registry, run SandboxRunner, log *logging.Logger, met *metrics.Registry) *Worker {
	return &Worker{cfg: cfg, q: q, reg: reg, run: run, log: log.WithField("component", "builder"), met: met}
}

// Run loops reserving from build_request_queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := w.q.Reserve(ctx, "build_request_queue", groupName, w.cfg.Consumer, 1, 5000)
		if err != nil {
			w.log.Error("reserve failed", "error", err.Error())
			continue
		}
		for _, m := range msgs {
			w.handle(ctx, m)
			_ = w.q.Ack(ctx, "build_request_queue", groupName, m.ID)
		}
	}
}

func (w *Worker) handle(ctx context.Context, m queue.Message) {
	var req model.BuildRequest
	if err := m.Envelope.Decode(&req); err != nil {
		w.log.Error("malformed build_request, rejecting", "error", err.Error())
		_ = queue.DeadLetter(ctx, w.q, m.Envelope, "malformed build_request: "+err.Error())
		return
	}
	log := w.log.WithField("task_id", req.TaskID)

	out := &model.BuildOutput{
		TaskID: req.TaskID, BuildType: req.BuildType, Sanitizer: req.Sanitizer,
		InternalPatchID: req.InternalPatchID, ApplyDiff: req.PatchText != "",
	}

	joined, err := w.reg.PutBuildPlaceholder(ctx, out)
	if err != nil {
		log.Error("placeholder CAS failed", "error", err.Error())
		return
	}
	if !joined {
		log.Debug("build already in flight or complete, joining", "key", out.Key())
		return
	}

	started := time.Now()
	result, buildErr := w.invoke(ctx, req)
	if w.met != nil {
		w.met.BuildDuration.WithLabelValues(string(req.BuildType), req.Sanitizer).Observe(time.Since(started).Seconds())
	}
	if buildErr != nil {
		out.Outcome = model.BuildOutcomeErrored
		out.Error = buildErr.Error()
		log.Error("build errored", "error", buildErr.Error())
	} else {
		out.Outcome = model.BuildOutcomeOK
		out.Engine = result.Engine
		out.TaskDir = result.TaskDir
	}
	if w.met != nil {
		w.met.BuildOutcomes.WithLabelValues(string(req.BuildType), string(out.Outcome)).Inc()
	}

	if err := w.reg.PutBuildOutput(ctx, out); err != nil {
		log.Error("failed to persist build output", "error", err.Error())
		return
	}

	env, _ := wire.Encode("build_output", out)
	if _, err := w.q.Push(ctx, "build_output_queue", env); err != nil {
		log.Error("failed to publish build_output", "error", err.Error())
	}
}

type buildResult struct {
	Engine  string
	TaskDir string
}

// invoke runs the appropriate build-tool command for req.BuildType inside
// a sandbox container, grounded on the sidecar-dispatch pattern adapted
// for internal/procexec.
func (w *Worker) invoke(ctx context.Context, req model.BuildRequest) (buildResult, error) {
	taskDir := filepath.Join(w.cfg.ScratchRoot, req.TaskID)

	var cmd []string
	switch req.BuildType {
	case model.BuildFuzzer:
		cmd = []string{"build-tool", "build-fuzzers", "--sanitizer", req.Sanitizer}
	case model.BuildCoverage:
		cmd = []string{"build-tool", "build-fuzzers", "--sanitizer", "coverage"}
	case model.BuildPatch:
		cmd = []string{"build-tool", "build-fuzzers", "--sanitizer", req.Sanitizer, "--apply-diff"}
	case model.BuildTracerNoDiff:
		cmd = []string{"build-tool", "build-fuzzers", "--sanitizer", req.Sanitizer, "--tracer", "--no-diff"}
	default:
		return buildResult{}, fmt.Errorf("builder: unknown build_type %q", req.BuildType)
	}

	spec := procexec.Spec{
		Image:   w.cfg.SandboxImage,
		Cmd:     cmd,
		WorkDir: taskDir,
	}
	res, err := w.run.Run(ctx, spec)
	if err != nil {
		return buildResult{}, err
	}
	if res.ExitCode != 0 {
		return buildResult{}, fmt.Errorf("builder: build-tool exited %d: %s", res.ExitCode, res.Stdout)
	}
	return buildResult{Engine: "libfuzzer", TaskDir: taskDir}, nil
}
