// Package scheduler implements the per-task state machine: one logical
// actor per task, sharded by hash(task_id), driving a task from download
// through build, fuzz, patch validation, and submission to a terminal
// state. The driving loop is an event loop over queue-fed events
// plus a deadline-check tick; every decision is re-derived from the
// registry so a crash or missed event never strands a task.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/sched"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/harness"
	"github.com/trailofbits/crs-core/pkg/model"
)

const groupName = "scheduler"

// Config carries the scheduler's timing and sharding knobs.
type Config struct {
	TickInterval time.Duration
	FreezeWindow time.Duration
	HardWindow   time.Duration
	CancelGrace  time.Duration
	ShardCount   int
	Sanitizers   []string
	Consumer     string
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.FreezeWindow <= 0 {
		c.FreezeWindow = 10 * time.Minute
	}
	if c.HardWindow <= 0 {
		c.HardWindow = time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
	if len(c.Sanitizers) == 0 {
		c.Sanitizers = []string{"address"}
	}
}

// Manager hosts the actor pool and the queue-consumer goroutines feeding
// it events.
type Manager struct {
	cfg      Config
	q        queue.Queue
	reg      *registry.Registry
	alloc    *harness.Allocator
	canceler *cancel.Broadcaster
	log      *logging.Logger
	met      *metrics.Registry
	pool     *sched.Pool

	// now is swappable for deadline tests.
	now func() time.Time
}

// New builds a Manager. met may be nil.
func New(cfg Config, q queue.Queue, reg *registry.Registry, canceler *cancel.Broadcaster, log *logging.Logger, met *metrics.Registry) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg: cfg, q: q, reg: reg, alloc: harness.New(reg),
		canceler: canceler,
		log:      log.WithField("component", "scheduler"),
		met:      met,
		pool:     sched.NewPool(cfg.ShardCount),
		now:      time.Now,
	}
}

// Run starts the shard pool, the queue consumers, and the tick loop, and
// blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.pool.Start(ctx)
	defer m.pool.Stop()

	g, gctx := errgroup.WithContext(ctx)

	eventQueues := []string{
		"task_ready_queue", "build_output_queue", "traced_crash_queue", "patch_result_queue",
	}
	for _, name := range eventQueues {
		name := name
		g.Go(func() error { return m.consumeLoop(gctx, name, m.dispatchEvaluate) })
	}
	g.Go(func() error { return m.consumeLoop(gctx, "task_delete_queue", m.handleTaskDelete) })
	g.Go(func() error { return m.tickLoop(gctx) })

	return g.Wait()
}

// consumeLoop reserves from queueName under the scheduler's group and
// hands each record to handle, acking afterwards. Handlers only dispatch
// work onto the shard pool, so the ack here is safe: the real state change
// is idempotently re-derived from the registry.
func (m *Manager) consumeLoop(ctx context.Context, queueName string, handle func(context.Context, queue.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.canceler.GlobalChannel():
			return nil
		default:
		}

		msgs, err := m.q.Reserve(ctx, queueName, groupName, m.cfg.Consumer, 8, 2000)
		if err != nil {
			m.log.Error("reserve failed", "queue", queueName, "error", err.Error())
			continue
		}
		for _, msg := range msgs {
			handle(ctx, msg)
			_ = m.q.Ack(ctx, queueName, groupName, msg.ID)
		}
	}
}

// taskIDOf pulls the routing key out of any queue record that carries one.
func taskIDOf(env wire.Envelope) string {
	var probe struct {
		TaskID string `json:"task_id"`
	}
	if err := env.Decode(&probe); err != nil {
		return ""
	}
	return probe.TaskID
}

func (m *Manager) dispatchEvaluate(ctx context.Context, msg queue.Message) {
	taskID := taskIDOf(msg.Envelope)
	if taskID == "" {
		m.log.Warn("event without task_id, ignoring", "kind", msg.Envelope.Kind)
		return
	}
	m.pool.Dispatch(taskID, func() { m.evaluate(ctx, taskID) })
}

func (m *Manager) handleTaskDelete(ctx context.Context, msg queue.Message) {
	var td model.TaskDelete
	if err := msg.Envelope.Decode(&td); err != nil {
		m.log.Error("malformed task_delete, ignoring", "error", err.Error())
		return
	}
	if td.All {
		tasks, err := m.reg.ScanTasks(ctx)
		if err != nil {
			m.log.Error("scan for task_delete all failed", "error", err.Error())
			return
		}
		for _, t := range tasks {
			m.cancelOne(ctx, t.TaskID)
		}
		return
	}
	m.cancelOne(ctx, td.TaskID)
}

func (m *Manager) cancelOne(ctx context.Context, taskID string) {
	m.canceler.CancelTask(taskID)
	m.pool.Dispatch(taskID, func() {
		_ = m.reg.UpdateTask(ctx, taskID, func(t *model.Task) error {
			t.Cancelled = true
			return nil
		})
		m.evaluate(ctx, taskID)
	})
}

// tickLoop re-evaluates every live task on the configured interval: the
// deadline-pressure path and the recovery path for any event the queues
// lost.
func (m *Manager) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.canceler.GlobalChannel():
			return nil
		case <-ticker.C:
			tasks, err := m.reg.ScanTasks(ctx)
			if err != nil {
				m.log.Error("tick scan failed", "error", err.Error())
				continue
			}
			for _, t := range tasks {
				if t.State.Terminal() {
					continue
				}
				taskID := t.TaskID
				m.pool.Dispatch(taskID, func() { m.evaluate(ctx, taskID) })
			}
		}
	}
}

// evaluate is the actor body: snapshot registry state, decide, apply. It
// only ever runs on the shard owning taskID, so per-task evaluation is
// strictly serial.
func (m *Manager) evaluate(ctx context.Context, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in scheduler actor", "task_id", taskID, "panic", fmt.Sprint(r))
		}
	}()

	v, ok := m.snapshot(ctx, taskID)
	if !ok {
		return
	}

	m.enforceHardWindow(ctx, v)

	d := decide(m.cfg, v)
	switch d.Outcome {
	case OutcomeStay:
		return
	case OutcomeFail:
		if d.FailKind.Soft() {
			m.log.Warn("soft failure, staying", "task_id", taskID, "kind", d.FailKind.String(), "reason", d.Reason)
			return
		}
		m.log.Error("hard failure, marking errored", "task_id", taskID, "reason", d.Reason)
		m.transitionTo(ctx, v.task, model.StateErrored)
		m.fanoutTaskDelete(ctx, taskID)
	case OutcomeAdvance:
		m.transitionTo(ctx, v.task, d.Next)
		m.onEnter(ctx, v, d.Next)
	}
}

func (m *Manager) snapshot(ctx context.Context, taskID string) (view, bool) {
	task, ok, err := m.reg.GetTask(ctx, taskID)
	if err != nil || !ok {
		return view{}, false
	}
	if task.State.Terminal() {
		return view{}, false
	}

	v := view{task: task, now: m.now()}
	if v.sources, err = m.reg.ScanSourceDetails(ctx, taskID); err != nil {
		m.log.Error("snapshot sources failed", "task_id", taskID, "error", err.Error())
		return view{}, false
	}
	if v.builds, err = m.reg.ScanBuildOutputs(ctx, taskID); err != nil {
		m.log.Error("snapshot builds failed", "task_id", taskID, "error", err.Error())
		return view{}, false
	}
	if v.vulns, err = m.reg.ScanVulnerabilities(ctx, taskID); err != nil {
		m.log.Error("snapshot vulnerabilities failed", "task_id", taskID, "error", err.Error())
		return view{}, false
	}
	if v.entries, err = m.reg.ScanSubmissionEntries(ctx, taskID); err != nil {
		m.log.Error("snapshot submissions failed", "task_id", taskID, "error", err.Error())
		return view{}, false
	}
	return v, true
}

// enforceHardWindow forces stop=true on every ledger entry once the task
// is inside the hard pre-deadline window, after which no submission may
// be sent.
func (m *Manager) enforceHardWindow(ctx context.Context, v view) {
	if v.now.Before(v.deadline().Add(-m.cfg.HardWindow)) {
		return
	}
	for _, e := range v.entries {
		if e.Stop {
			continue
		}
		_ = m.reg.UpdateSubmissionEntry(ctx, e.InternalPatchID, func(s *model.SubmissionEntry) error {
			s.Stop = true
			return nil
		})
	}
}

// transitionTo CAS-writes the new state, refusing to leave a terminal
// state even if a stale actor evaluation races a newer one.
func (m *Manager) transitionTo(ctx context.Context, task *model.Task, next model.TaskState) {
	from := task.State
	err := m.reg.UpdateTask(ctx, task.TaskID, func(t *model.Task) error {
		if t.State.Terminal() {
			return fmt.Errorf("task %s already terminal in state %s", t.TaskID, t.State)
		}
		t.State = next
		return nil
	})
	if err != nil {
		m.log.Error("state transition failed", "task_id", task.TaskID, "from", string(from), "to", string(next), "error", err.Error())
		return
	}
	task.State = next
	m.log.Info("state transition", "task_id", task.TaskID, "from", string(from), "to", string(next))
	if m.met != nil {
		m.met.SchedulerTransition.WithLabelValues(string(from), string(next)).Inc()
	}
}

// onEnter runs the entry side effects for the state
// just entered. All effects are idempotent: build requests join on the
// builder's CAS placeholder, harness declaration is insert-if-absent, and
// TaskDelete fan-out is observed idempotently by every fleet.
func (m *Manager) onEnter(ctx context.Context, v view, entered model.TaskState) {
	switch entered {
	case model.StateReady:
		m.pushInitialBuilds(ctx, v.task)
	case model.StateFuzzing:
		m.declareHarnesses(ctx, v.task)
		m.notifyFuzzerFleet(ctx, v.task)
	case model.StateCancelled:
		m.canceler.CancelTask(v.task.TaskID)
		m.fanoutTaskDelete(ctx, v.task.TaskID)
	case model.StateErrored, model.StateFailed, model.StateSucceeded:
		m.fanoutTaskDelete(ctx, v.task.TaskID)
	}
}

func (m *Manager) pushInitialBuilds(ctx context.Context, task *model.Task) {
	reqs := make([]model.BuildRequest, 0, len(m.cfg.Sanitizers)+2)
	for _, sanitizer := range m.cfg.Sanitizers {
		reqs = append(reqs, model.BuildRequest{TaskID: task.TaskID, BuildType: model.BuildFuzzer, Sanitizer: sanitizer})
	}
	reqs = append(reqs, model.BuildRequest{TaskID: task.TaskID, BuildType: model.BuildCoverage, Sanitizer: "coverage"})
	if task.Type == model.TaskTypeDelta {
		reqs = append(reqs, model.BuildRequest{TaskID: task.TaskID, BuildType: model.BuildTracerNoDiff, Sanitizer: m.cfg.Sanitizers[0]})
	}

	for _, req := range reqs {
		env, err := wire.Encode("build_request", req)
		if err != nil {
			m.log.Error("encode build_request failed", "task_id", task.TaskID, "error", err.Error())
			continue
		}
		if _, err := m.q.Push(ctx, "build_request_queue", env); err != nil {
			m.log.Error("push build_request failed", "task_id", task.TaskID, "error", err.Error())
		}
	}
}

// declareHarnesses registers every harness named in the task's metadata
// (key "harnesses", comma-separated "package/harness" entries) at the
// default weight, falling back to a single harness named after the focus
// or project when the metadata is silent.
func (m *Manager) declareHarnesses(ctx context.Context, task *model.Task) {
	declared := 0
	if raw := task.Metadata["harnesses"]; raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			pkg, harnessName := task.ProjectName, entry
			if i := strings.LastIndexByte(entry, '/'); i > 0 {
				pkg, harnessName = entry[:i], entry[i+1:]
			}
			if err := m.alloc.Declare(ctx, task.TaskID, pkg, harnessName); err != nil {
				m.log.Error("declare harness failed", "task_id", task.TaskID, "harness", harnessName, "error", err.Error())
				continue
			}
			declared++
		}
	}
	if declared == 0 {
		fallback := task.Focus
		if fallback == "" {
			fallback = task.ProjectName
		}
		if err := m.alloc.Declare(ctx, task.TaskID, task.ProjectName, fallback); err != nil {
			m.log.Error("declare fallback harness failed", "task_id", task.TaskID, "error", err.Error())
		}
	}
}

// notifyFuzzerFleet tells the fuzzer-side fleets the task is ready to
// fuzz: one seed-corpus request per declared harness and one discovery
// request for the task. Both fleets sample harnesses through the weights
// catalogue from then on.
func (m *Manager) notifyFuzzerFleet(ctx context.Context, task *model.Task) {
	weights, err := m.reg.ScanHarnessWeights(ctx, task.TaskID)
	if err != nil {
		m.log.Error("harness scan for fleet notify failed", "task_id", task.TaskID, "error", err.Error())
		return
	}
	for _, w := range weights {
		req := model.SeedInitRequest{TaskID: task.TaskID, Package: w.Package, Harness: w.Harness}
		env, err := wire.Encode("seed_init_request", req)
		if err != nil {
			m.log.Error("encode seed_init_request failed", "task_id", task.TaskID, "error", err.Error())
			continue
		}
		if _, err := m.q.Push(ctx, "seed_init_queue", env); err != nil {
			m.log.Error("push seed_init_request failed", "task_id", task.TaskID, "error", err.Error())
		}
	}

	disc := model.VulnDiscoveryRequest{TaskID: task.TaskID, Focus: task.Focus}
	env, err := wire.Encode("vuln_discovery_request", disc)
	if err != nil {
		m.log.Error("encode vuln_discovery_request failed", "task_id", task.TaskID, "error", err.Error())
		return
	}
	if _, err := m.q.Push(ctx, "vuln_discovery_queue", env); err != nil {
		m.log.Error("push vuln_discovery_request failed", "task_id", task.TaskID, "error", err.Error())
	}
}

func (m *Manager) fanoutTaskDelete(ctx context.Context, taskID string) {
	env, err := wire.Encode("task_delete", model.TaskDelete{TaskID: taskID})
	if err != nil {
		m.log.Error("encode task_delete failed", "task_id", taskID, "error", err.Error())
		return
	}
	if _, err := m.q.Push(ctx, "task_delete_queue", env); err != nil {
		m.log.Error("push task_delete failed", "task_id", taskID, "error", err.Error())
	}
}

// Evaluate dispatches one immediate evaluation of taskID onto its shard,
// used by tests and by the serve wiring right after task intake.
func (m *Manager) Evaluate(ctx context.Context, taskID string) {
	m.pool.Dispatch(taskID, func() { m.evaluate(ctx, taskID) })
}

// SetClock replaces the scheduler's time source, for deadline tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
