// Package submitter is the single-writer serialiser to the external
// competition API: one actor per task with a strictly serial
// send loop, an idempotent submission ledger, exponential result polling,
// and deadline-aware cancellation. All retry/backoff/idempotence logic
// lives here; the wire-level HTTP glue is internal/externalapi.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/externalapi"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/pkg/model"
)

const groupName = "submitter"

// API is the subset of the competition client the submitter drives,
// narrowed to an interface so tests can substitute a fake server.
type API interface {
	SubmitPOV(ctx context.Context, taskID, crashToken, crashInputRef, sanitizer string) (*externalapi.StatusResponse, error)
	PollPOV(ctx context.Context, taskID, competitionPOVID string) (*externalapi.StatusResponse, error)
	LookupPOV(ctx context.Context, taskID, crashToken string) (*externalapi.StatusResponse, error)
	SubmitPatch(ctx context.Context, taskID, refKey, patchText string) (*externalapi.StatusResponse, error)
	PollPatch(ctx context.Context, taskID, competitionPatchID string) (*externalapi.StatusResponse, error)
	LookupPatch(ctx context.Context, taskID, refKey string) (*externalapi.StatusResponse, error)
	CreateBundle(ctx context.Context, taskID, povID, patchID string) (*externalapi.StatusResponse, error)
	PatchBundle(ctx context.Context, taskID, bundleID string, fields map[string]string) (*externalapi.StatusResponse, error)
	SubmitSARIF(ctx context.Context, taskID, sarifBlobRef string) (*externalapi.StatusResponse, error)
}

// Config carries the submitter's QPS, polling, and retry knobs.
type Config struct {
	PerTaskQPS       float64
	GlobalQPS        float64
	PollInitial      time.Duration
	PollCap          time.Duration
	RetryMaxAttempts int
	HardWindow       time.Duration
	SweepInterval    time.Duration
	Consumer         string
}

func (c *Config) applyDefaults() {
	if c.PerTaskQPS <= 0 {
		c.PerTaskQPS = 5
	}
	if c.GlobalQPS <= 0 {
		c.GlobalQPS = 50
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 2 * time.Second
	}
	if c.PollCap <= 0 {
		c.PollCap = 60 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 10
	}
	if c.HardWindow <= 0 {
		c.HardWindow = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
}

// Submitter hosts one actor per live task.
type Submitter struct {
	cfg      Config
	q        queue.Queue
	reg      *registry.Registry
	api      API
	canceler *cancel.Broadcaster
	log      *logging.Logger
	met      *metrics.Registry

	global *rate.Limiter

	mu     sync.Mutex
	actors map[string]*taskActor

	now func() time.Time
}

type taskActor struct {
	notify  chan struct{}
	limiter *rate.Limiter
}

// New builds a Submitter. met may be nil.
func New(cfg Config, q queue.Queue, reg *registry.Registry, api API, canceler *cancel.Broadcaster, log *logging.Logger, met *metrics.Registry) *Submitter {
	cfg.applyDefaults()
	return &Submitter{
		cfg: cfg, q: q, reg: reg, api: api, canceler: canceler,
		log:    log.WithField("component", "submitter"),
		met:    met,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalQPS), int(cfg.GlobalQPS)),
		actors: make(map[string]*taskActor),
		now:    time.Now,
	}
}

// SetClock replaces the time source, for deadline tests.
func (s *Submitter) SetClock(now func() time.Time) { s.now = now }

// Run starts the confirmed-vulnerability consumer and the recovery sweep,
// and blocks until ctx is cancelled. Per-task actors are spawned lazily.
func (s *Submitter) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.consumeLoop(gctx) })
	g.Go(func() error { return s.recoveryLoop(gctx) })
	return g.Wait()
}

func (s *Submitter) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.canceler.GlobalChannel():
			return nil
		default:
		}

		msgs, err := s.q.Reserve(ctx, "confirmed_vulnerability_queue", groupName, s.cfg.Consumer, 8, 2000)
		if err != nil {
			s.log.Error("reserve failed", "error", err.Error())
			continue
		}
		for _, m := range msgs {
			var v model.ConfirmedVulnerability
			if err := m.Envelope.Decode(&v); err != nil {
				s.log.Error("malformed confirmed_vulnerability, rejecting", "error", err.Error())
				_ = queue.DeadLetter(ctx, s.q, m.Envelope, "malformed confirmed_vulnerability: "+err.Error())
			} else {
				s.Notify(ctx, v.TaskID)
			}
			_ = s.q.Ack(ctx, "confirmed_vulnerability_queue", groupName, m.ID)
		}
	}
}

// recoveryLoop re-discovers live tasks with ledger entries on every sweep
// interval. Under reclaim-after-crash the actors resume from the ledger
// state alone; nothing in memory is authoritative.
func (s *Submitter) recoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.canceler.GlobalChannel():
			return nil
		case <-ticker.C:
			tasks, err := s.reg.ScanTasks(ctx)
			if err != nil {
				s.log.Error("recovery scan failed", "error", err.Error())
				continue
			}
			for _, t := range tasks {
				if t.State.Terminal() {
					continue
				}
				s.Notify(ctx, t.TaskID)
			}
		}
	}
}

// Notify wakes (spawning if needed) the actor for taskID.
func (s *Submitter) Notify(ctx context.Context, taskID string) {
	s.mu.Lock()
	a, ok := s.actors[taskID]
	if !ok {
		a = &taskActor{
			notify:  make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.PerTaskQPS), int(s.cfg.PerTaskQPS)),
		}
		s.actors[taskID] = a
		go s.actorLoop(ctx, taskID, a)
	}
	s.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// actorLoop is the strictly serial send loop for one task. It exits on
// task cancellation, global shutdown, or context cancellation.
func (s *Submitter) actorLoop(ctx context.Context, taskID string, a *taskActor) {
	defer func() {
		s.mu.Lock()
		delete(s.actors, taskID)
		s.mu.Unlock()
	}()

	taskCancel := s.canceler.TaskChannel(taskID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.canceler.GlobalChannel():
			return
		case <-taskCancel:
			return
		case <-a.notify:
			s.sweep(ctx, taskID, a)
		}
	}
}

// sweep walks the ledger for taskID and performs every submission step
// that is due, in order: PoVs, then patches, then bundles. Each step is
// idempotent against the ledger so a redelivered sweep is harmless.
func (s *Submitter) sweep(ctx context.Context, taskID string, a *taskActor) {
	log := s.log.WithField("task_id", taskID)

	task, ok, err := s.reg.GetTask(ctx, taskID)
	if err != nil || !ok {
		return
	}
	hardDeadline := time.UnixMilli(task.DeadlineMs).Add(-s.cfg.HardWindow)
	if !s.now().Before(hardDeadline) {
		return
	}

	entries, err := s.reg.ScanSubmissionEntries(ctx, taskID)
	if err != nil {
		log.Error("ledger scan failed", "error", err.Error())
		return
	}

	for _, entry := range entries {
		if entry.Stop {
			continue
		}
		if err := s.syncCrashes(ctx, entry); err != nil {
			log.Error("crash sync failed", "internal_patch_id", entry.InternalPatchID, "error", err.Error())
			continue
		}
		entry, ok, err = s.reg.GetSubmissionEntry(ctx, entry.InternalPatchID)
		if err != nil || !ok {
			continue
		}
		s.submitPOVs(ctx, task, entry, a, hardDeadline)
		s.submitPatches(ctx, task, entry, a, hardDeadline)
		s.submitBundle(ctx, task, entry, a)
	}
}

// syncCrashes makes sure the ledger carries one SubmittedCrash per crash
// token the vulnerability groups.
func (s *Submitter) syncCrashes(ctx context.Context, entry *model.SubmissionEntry) error {
	vuln, ok, err := s.reg.GetVulnerability(ctx, entry.InternalPatchID)
	if err != nil || !ok {
		return err
	}
	return s.reg.UpdateSubmissionEntry(ctx, entry.InternalPatchID, func(e *model.SubmissionEntry) error {
		known := make(map[string]bool, len(e.Crashes))
		for _, c := range e.Crashes {
			known[c.CrashToken] = true
		}
		for _, token := range vuln.CrashTokens {
			if !known[token] {
				e.Crashes = append(e.Crashes, model.SubmittedCrash{CrashToken: token, Result: model.StatusNone})
			}
		}
		return nil
	})
}

func (s *Submitter) submitPOVs(ctx context.Context, task *model.Task, entry *model.SubmissionEntry, a *taskActor, hardDeadline time.Time) {
	log := s.log.WithField("task_id", task.TaskID)
	for i := range entry.Crashes {
		c := entry.Crashes[i]
		if c.CompetitionPOVID == "" {
			id, err := s.createPOV(ctx, task.TaskID, c, a, entry.InternalPatchID)
			if err != nil {
				log.Error("pov create failed", "crash_token", c.CrashToken, "error", err.Error())
				continue
			}
			c.CompetitionPOVID = id
		}
		if !c.Result.Terminal() {
			status := s.pollUntilTerminal(ctx, a, hardDeadline, func(pollCtx context.Context) (*externalapi.StatusResponse, error) {
				return s.api.PollPOV(pollCtx, task.TaskID, c.CompetitionPOVID)
			})
			if status != model.StatusNone {
				s.recordCrashResult(ctx, entry.InternalPatchID, c.CrashToken, status)
				if s.met != nil && status.Terminal() {
					s.met.SubmissionOutcomes.WithLabelValues("pov", string(status)).Inc()
				}
			}
		}
	}
}

// createPOV performs the marker-then-POST-then-record sequence that keeps
// the external write at-most-once: a pre-write
// marker is CAS-written before the POST; on restart a set marker with no
// recorded id resolves via LookupPOV instead of re-POSTing.
func (s *Submitter) createPOV(ctx context.Context, taskID string, c model.SubmittedCrash, a *taskActor, internalPatchID string) (string, error) {
	if c.SubmitStarted {
		resp, err := s.callAPI(ctx, a, "pov_lookup", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
			return s.api.LookupPOV(callCtx, taskID, c.CrashToken)
		})
		if err == nil && resp.ID != "" {
			s.recordCrashID(ctx, internalPatchID, c.CrashToken, resp.ID, resp.Status)
			return resp.ID, nil
		}
		var apiErr *externalapi.APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == 404) {
			return "", err
		}
		// 404: the original POST never landed; safe to POST below.
	}

	crash, ok, err := s.reg.GetCrash(ctx, taskID, c.CrashToken)
	if err != nil || !ok {
		return "", fmt.Errorf("crash %s not in catalogue: %w", c.CrashToken, err)
	}

	if err := s.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(e *model.SubmissionEntry) error {
		for i := range e.Crashes {
			if e.Crashes[i].CrashToken == c.CrashToken {
				e.Crashes[i].SubmitStarted = true
			}
		}
		return nil
	}); err != nil {
		return "", err
	}

	resp, err := s.callAPI(ctx, a, "pov_submit", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
		return s.api.SubmitPOV(callCtx, taskID, c.CrashToken, crash.CrashInputRef, crash.Target.Sanitizer)
	})
	if err != nil {
		s.recordCrashResult(ctx, internalPatchID, c.CrashToken, model.StatusErrored)
		return "", err
	}

	s.recordCrashID(ctx, internalPatchID, c.CrashToken, resp.ID, resp.Status)
	return resp.ID, nil
}

func (s *Submitter) recordCrashID(ctx context.Context, internalPatchID, crashToken, id string, status model.SubmissionStatus) {
	_ = s.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(e *model.SubmissionEntry) error {
		for i := range e.Crashes {
			if e.Crashes[i].CrashToken == crashToken && e.Crashes[i].CompetitionPOVID == "" {
				e.Crashes[i].CompetitionPOVID = id
				e.Crashes[i].Result = status
			}
		}
		return nil
	})
}

func (s *Submitter) recordCrashResult(ctx context.Context, internalPatchID, crashToken string, status model.SubmissionStatus) {
	_ = s.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(e *model.SubmissionEntry) error {
		for i := range e.Crashes {
			if e.Crashes[i].CrashToken == crashToken {
				e.Crashes[i].Result = status
			}
		}
		return nil
	})
}

// patchRefKey is the deterministic client-side reference key for one
// patch attempt.
func patchRefKey(internalPatchID string, patchIndex int) string {
	return internalPatchID + "/" + strconv.Itoa(patchIndex)
}

// submitPatches submits every locally-validated patch that has not been
// sent yet and polls in-flight ones to a terminal grading result.
func (s *Submitter) submitPatches(ctx context.Context, task *model.Task, entry *model.SubmissionEntry, a *taskActor, hardDeadline time.Time) {
	log := s.log.WithField("task_id", task.TaskID)
	for i := range entry.Patches {
		p := entry.Patches[i]
		validated := p.Result == model.StatusPassed && p.CompetitionPatchID == ""
		inFlight := p.CompetitionPatchID != "" && !p.Result.Terminal()
		recovering := p.SubmitStarted && p.CompetitionPatchID == ""
		if !validated && !inFlight && !recovering {
			continue
		}

		if p.CompetitionPatchID == "" {
			id, err := s.createPatch(ctx, task.TaskID, entry.InternalPatchID, i, p, a)
			if err != nil {
				log.Error("patch create failed", "internal_patch_id", entry.InternalPatchID, "error", err.Error())
				continue
			}
			p.CompetitionPatchID = id
		}

		status := s.pollUntilTerminal(ctx, a, hardDeadline, func(pollCtx context.Context) (*externalapi.StatusResponse, error) {
			return s.api.PollPatch(pollCtx, task.TaskID, p.CompetitionPatchID)
		})
		if status != model.StatusNone {
			s.recordPatchResult(ctx, entry.InternalPatchID, i, status)
			if s.met != nil && status.Terminal() {
				s.met.SubmissionOutcomes.WithLabelValues("patch", string(status)).Inc()
			}
		}
	}
}

func (s *Submitter) createPatch(ctx context.Context, taskID, internalPatchID string, idx int, p model.SubmittedPatch, a *taskActor) (string, error) {
	refKey := patchRefKey(internalPatchID, idx)

	if p.SubmitStarted {
		resp, err := s.callAPI(ctx, a, "patch_lookup", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
			return s.api.LookupPatch(callCtx, taskID, refKey)
		})
		if err == nil && resp.ID != "" {
			s.recordPatchID(ctx, internalPatchID, idx, resp.ID)
			return resp.ID, nil
		}
		var apiErr *externalapi.APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == 404) {
			return "", err
		}
	}

	if err := s.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(e *model.SubmissionEntry) error {
		if idx < len(e.Patches) {
			e.Patches[idx].SubmitStarted = true
		}
		return nil
	}); err != nil {
		return "", err
	}

	resp, err := s.callAPI(ctx, a, "patch_submit", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
		return s.api.SubmitPatch(callCtx, taskID, refKey, p.PatchText)
	})
	if err != nil {
		s.recordPatchResult(ctx, internalPatchID, idx, model.StatusErrored)
		return "", err
	}

	s.recordPatchID(ctx, internalPatchID, idx, resp.ID)
	return resp.ID, nil
}

func (s *Submitter) recordPatchID(ctx context.Context, internalPatchID string, idx int, id string) {
	_ = s.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(e *model.SubmissionEntry) error {
		if idx < len(e.Patches) && e.Patches[idx].CompetitionPatchID == "" {
			e.Patches[idx].CompetitionPatchID = id
		}
		return nil
	})
}

func (s *Submitter) recordPatchResult(ctx context.Context, internalPatchID string, idx int, status model.SubmissionStatus) {
	_ = s.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(e *model.SubmissionEntry) error {
		if idx < len(e.Patches) {
			e.Patches[idx].Result = status
		}
		return nil
	})
}

// submitBundle POSTs a bundle once the entry carries both a passed PoV and
// a passed patch on the competition side. Once the bundle exists it is
// PATCHed as further artifacts pass rather than re-created.
func (s *Submitter) submitBundle(ctx context.Context, task *model.Task, entry *model.SubmissionEntry, a *taskActor) {
	entry, ok, err := s.reg.GetSubmissionEntry(ctx, entry.InternalPatchID)
	if err != nil || !ok {
		return
	}
	if len(entry.BundleIDs) > 0 {
		s.patchBundle(ctx, task, entry.BundleIDs[0], a)
		return
	}

	var povID, patchID string
	for _, c := range entry.Crashes {
		if c.CompetitionPOVID != "" && c.Result == model.StatusPassed {
			povID = c.CompetitionPOVID
			break
		}
	}
	for _, p := range entry.Patches {
		if p.CompetitionPatchID != "" && p.Result == model.StatusPassed {
			patchID = p.CompetitionPatchID
			break
		}
	}
	if povID == "" || patchID == "" {
		return
	}

	resp, err := s.callAPI(ctx, a, "bundle_create", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
		return s.api.CreateBundle(callCtx, task.TaskID, povID, patchID)
	})
	if err != nil {
		s.log.Error("bundle create failed", "task_id", task.TaskID, "error", err.Error())
		return
	}

	_ = s.reg.UpdateSubmissionEntry(ctx, entry.InternalPatchID, func(e *model.SubmissionEntry) error {
		if len(e.BundleIDs) == 0 {
			e.BundleIDs = append(e.BundleIDs, resp.ID)
		}
		return nil
	})
	_ = s.reg.PutBundle(ctx, &model.Bundle{
		TaskID: task.TaskID, BundleID: resp.ID,
		CompetitionPOVID: povID, CompetitionPatchID: patchID,
	})
	if s.met != nil {
		s.met.SubmissionOutcomes.WithLabelValues("bundle", string(model.StatusAccepted)).Inc()
	}
}

// patchBundle attaches artifacts that passed after the bundle was
// created. Currently that is the SARIF assessment: when the task carries
// a sarif_ref and the bundle does not yet record a SARIF id, the
// assessment is submitted and the bundle PATCHed to reference it.
func (s *Submitter) patchBundle(ctx context.Context, task *model.Task, bundleID string, a *taskActor) {
	sarifRef := task.Metadata["sarif_ref"]
	if sarifRef == "" {
		return
	}

	bundle, ok, err := s.reg.GetBundle(ctx, task.TaskID, bundleID)
	if err != nil || !ok {
		return
	}
	if bundle.CompetitionSARIFID != "" {
		return
	}

	sarif, err := s.callAPI(ctx, a, "sarif_submit", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
		return s.api.SubmitSARIF(callCtx, task.TaskID, sarifRef)
	})
	if err != nil {
		s.log.Error("sarif submit failed", "task_id", task.TaskID, "error", err.Error())
		return
	}

	if _, err := s.callAPI(ctx, a, "bundle_patch", func(callCtx context.Context) (*externalapi.StatusResponse, error) {
		return s.api.PatchBundle(callCtx, task.TaskID, bundleID, map[string]string{"sarif_id": sarif.ID})
	}); err != nil {
		s.log.Error("bundle patch failed", "task_id", task.TaskID, "bundle_id", bundleID, "error", err.Error())
		return
	}

	_ = s.reg.UpdateBundle(ctx, task.TaskID, bundleID, func(b *model.Bundle) error {
		b.CompetitionSARIFID = sarif.ID
		return nil
	})
	if s.met != nil {
		s.met.SubmissionOutcomes.WithLabelValues("bundle_patch", string(model.StatusAccepted)).Inc()
	}
}

// callAPI wraps one outbound call with the token-bucket limiters and the
// retry rules: 5xx and network errors retry with full jitter
// between 1 s and 60 s up to RetryMaxAttempts; 4xx errors surface
// immediately as non-retryable.
func (s *Submitter) callAPI(ctx context.Context, a *taskActor, endpoint string, fn func(context.Context) (*externalapi.StatusResponse, error)) (*externalapi.StatusResponse, error) {
	policy := newRetryPolicy(s.cfg.RetryMaxAttempts)

	var resp *externalapi.StatusResponse
	op := func() error {
		if err := s.global.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		r, err := fn(ctx)
		if err != nil {
			var apiErr *externalapi.APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			if s.met != nil {
				s.met.ExternalAPIRetries.WithLabelValues(endpoint).Inc()
			}
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func newRetryPolicy(maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 1 // full jitter
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

// pollUntilTerminal polls fn on an exponential cadence (first poll after
// PollInitial, doubling to PollCap) until the status is terminal, the hard
// deadline arrives, or ctx is cancelled. Returns StatusNone when polling
// was abandoned without a terminal answer.
func (s *Submitter) pollUntilTerminal(ctx context.Context, a *taskActor, hardDeadline time.Time, fn func(context.Context) (*externalapi.StatusResponse, error)) model.SubmissionStatus {
	interval := s.cfg.PollInitial
	for {
		if !s.now().Before(hardDeadline) {
			return model.StatusNone
		}

		select {
		case <-ctx.Done():
			return model.StatusNone
		case <-s.canceler.GlobalChannel():
			return model.StatusNone
		case <-time.After(interval):
		}

		resp, err := s.callAPI(ctx, a, "poll", fn)
		if err != nil {
			var apiErr *externalapi.APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return model.StatusErrored
			}
			return model.StatusNone
		}
		if resp.Status.Terminal() {
			return resp.Status
		}

		interval *= 2
		if interval > s.cfg.PollCap {
			interval = s.cfg.PollCap
		}
	}
}
