// Package gc implements cancellation fan-in and terminal-task garbage
// collection: it observes TaskDelete broadcasts, drains a task's queued
// messages, tears down its scratch directory, and purges its catalogue
// entries once the task is terminal and past its deadline. The
// enumerate/cleanup-one/verify/retry structure and the audit trail follow
// the shape of a chaos-test cleanup coordinator: every action is logged
// with its outcome so an operator can reconstruct what a sweep did.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
)

const groupName = "gc"

// AuditEntry records one cleanup action and its outcome.
type AuditEntry struct {
	Timestamp time.Time
	Action    string
	Target    string
	Success   bool
	Error     error
	Details   string
}

// Summary aggregates an audit log.
type Summary struct {
	TotalActions int
	Succeeded    int
	Failed       int
}

func (s Summary) String() string {
	return fmt.Sprintf("gc summary: %d total actions, %d succeeded, %d failed",
		s.TotalActions, s.Succeeded, s.Failed)
}

// Config carries the sweeper's knobs.
type Config struct {
	ScratchRoot   string
	SweepInterval time.Duration
	GraceWindow   time.Duration
	Consumer      string
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = time.Hour
	}
}

// Sweeper is the GC worker.
type Sweeper struct {
	cfg      Config
	q        queue.Queue
	reg      *registry.Registry
	canceler *cancel.Broadcaster
	log      *logging.Logger
	met      *metrics.Registry

	mu       sync.Mutex
	auditLog []AuditEntry

	now func() time.Time
}

// New builds a Sweeper. met may be nil.
func New(cfg Config, q queue.Queue, reg *registry.Registry, canceler *cancel.Broadcaster, log *logging.Logger, met *metrics.Registry) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		cfg: cfg, q: q, reg: reg, canceler: canceler,
		log: log.WithField("component", "gc"),
		met: met,
		now: time.Now,
	}
}

// SetClock replaces the time source, for deadline tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run starts the TaskDelete consumer and the terminal-task sweep loop.
func (s *Sweeper) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.consumeLoop(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	return g.Wait()
}

func (s *Sweeper) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.canceler.GlobalChannel():
			return nil
		default:
		}

		msgs, err := s.q.Reserve(ctx, "task_delete_queue", groupName, s.cfg.Consumer, 8, 2000)
		if err != nil {
			s.log.Error("reserve failed", "error", err.Error())
			continue
		}
		for _, m := range msgs {
			s.handleTaskDelete(ctx, m)
			_ = s.q.Ack(ctx, "task_delete_queue", groupName, m.ID)
		}
	}
}

func (s *Sweeper) handleTaskDelete(ctx context.Context, m queue.Message) {
	var td model.TaskDelete
	if err := m.Envelope.Decode(&td); err != nil {
		s.log.Error("malformed task_delete, ignoring", "error", err.Error())
		return
	}
	if td.All {
		tasks, err := s.reg.ScanTasks(ctx)
		if err != nil {
			s.log.Error("scan for task_delete all failed", "error", err.Error())
			return
		}
		for _, t := range tasks {
			s.Teardown(ctx, t.TaskID)
		}
		return
	}
	s.Teardown(ctx, td.TaskID)
}

// Teardown performs the immediate part of cancellation: broadcast the
// per-task cancel, drain the task's queued messages, and remove its
// scratch directory. Catalogue purge waits for the terminal-plus-deadline
// sweep so the ledger stays inspectable until the task is truly over.
func (s *Sweeper) Teardown(ctx context.Context, taskID string) {
	s.canceler.CancelTask(taskID)
	s.logAudit("broadcast_cancel", taskID, "closed per-task cancellation channel", nil)

	s.drainQueues(ctx, taskID)
	s.removeScratch(taskID)
}

func (s *Sweeper) drainQueues(ctx context.Context, taskID string) {
	match := func(env wire.Envelope) bool {
		var probe struct {
			TaskID string `json:"task_id"`
		}
		if err := env.Decode(&probe); err != nil {
			return false
		}
		return probe.TaskID == taskID
	}

	total := 0
	for _, name := range queue.FixedQueueNames {
		if name == "task_delete_queue" {
			// Leave the delete broadcast itself for the other fleets.
			continue
		}
		n, err := s.q.Drain(ctx, name, match)
		if err != nil {
			s.logAudit("drain_queue", taskID, fmt.Sprintf("queue %s", name), err)
			continue
		}
		total += n
	}
	s.logAudit("drain_queue", taskID, fmt.Sprintf("removed %d queued records", total), nil)
}

func (s *Sweeper) removeScratch(taskID string) {
	dir := filepath.Join(s.cfg.ScratchRoot, taskID)
	err := os.RemoveAll(dir)
	s.logAudit("remove_scratch", taskID, dir, err)
}

// sweepLoop purges the catalogues of every task that is terminal and past
// its deadline: scratch and catalogue entries are gone well
// within the grace window because the sweep fires every SweepInterval.
func (s *Sweeper) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.canceler.GlobalChannel():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over the task catalogue, reclaiming every task
// that is terminal with its deadline behind it.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	tasks, err := s.reg.ScanTasks(ctx)
	if err != nil {
		s.log.Error("sweep scan failed", "error", err.Error())
		return
	}

	for _, t := range tasks {
		if !t.State.Terminal() {
			continue
		}
		if s.now().Before(time.UnixMilli(t.DeadlineMs)) {
			continue
		}
		s.reclaim(ctx, t.TaskID)
	}

	if s.met != nil {
		s.met.GCSweeps.Inc()
	}
}

// reclaim removes every trace of taskID: scratch, vulnerability and
// submission ledgers, then the per-task catalogues, then verifies the
// store really is empty, retrying the purge once before giving up.
func (s *Sweeper) reclaim(ctx context.Context, taskID string) {
	s.removeScratch(taskID)

	vulns, err := s.reg.ScanVulnerabilities(ctx, taskID)
	if err != nil {
		s.logAudit("purge_ledger", taskID, "scan vulnerabilities", err)
		return
	}
	for _, v := range vulns {
		if err := s.reg.PurgeVulnerabilityAndSubmission(ctx, v.InternalPatchID); err != nil {
			s.logAudit("purge_ledger", taskID, fmt.Sprintf("internal_patch_id %s", v.InternalPatchID), err)
		}
	}
	s.logAudit("purge_ledger", taskID, fmt.Sprintf("purged %d vulnerability ledgers", len(vulns)), nil)

	if err := s.reg.PurgeTask(ctx, taskID); err != nil {
		s.logAudit("purge_catalogues", taskID, "registry purge", err)
		return
	}
	s.logAudit("purge_catalogues", taskID, "registry purge", nil)

	clean, err := s.verifyClean(ctx, taskID)
	if err != nil {
		s.logAudit("verify_clean", taskID, "verification failed", err)
		return
	}
	if !clean {
		// One retry before surfacing the leak.
		_ = s.reg.PurgeTask(ctx, taskID)
		clean, err = s.verifyClean(ctx, taskID)
		if err != nil || !clean {
			s.logAudit("verify_clean", taskID, "catalogue entries survived purge retry", err)
			return
		}
	}
	s.logAudit("verify_clean", taskID, "all catalogues empty", nil)

	s.canceler.Forget(taskID)
}

// verifyClean scans every per-task prefix and reports whether all are
// empty, the registry-flavoured equivalent of a namespace probe.
func (s *Sweeper) verifyClean(ctx context.Context, taskID string) (bool, error) {
	task, ok, err := s.reg.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if ok && task != nil {
		return false, nil
	}
	sources, err := s.reg.ScanSourceDetails(ctx, taskID)
	if err != nil {
		return false, err
	}
	builds, err := s.reg.ScanBuildOutputs(ctx, taskID)
	if err != nil {
		return false, err
	}
	weights, err := s.reg.ScanHarnessWeights(ctx, taskID)
	if err != nil {
		return false, err
	}
	return len(sources) == 0 && len(builds) == 0 && len(weights) == 0, nil
}

func (s *Sweeper) logAudit(action, target, details string, err error) {
	s.mu.Lock()
	s.auditLog = append(s.auditLog, AuditEntry{
		Timestamp: s.now(),
		Action:    action,
		Target:    target,
		Success:   err == nil,
		Error:     err,
		Details:   details,
	})
	s.mu.Unlock()

	if err != nil {
		s.log.Error("cleanup action failed", "action", action, "task_id", target, "details", details, "error", err.Error())
		return
	}
	s.log.Debug("cleanup action", "action", action, "task_id", target, "details", details)
}

// AuditLog returns a copy of the audit trail.
func (s *Sweeper) AuditLog() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

// GetSummary aggregates the audit trail.
func (s *Sweeper) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{TotalActions: len(s.auditLog)}
	for _, e := range s.auditLog {
		if e.Success {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	return sum
}
