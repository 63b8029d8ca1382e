// Package patchrouter implements the patch-request/patch-validate
// pipeline: request a patch for every confirmed vulnerability, fan a
// returned patch out to one build per sanitizer and then to the full grid
// of PoV-reproduce requests, and decide PASS/FAIL once every reproduce
// result is back.
package patchrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
)

const groupName = "patchrouter"

// maxPatchAttempts caps patch re-requests per vulnerability.
const maxPatchAttempts = 3

// defaultFreezeWindow is the pre-deadline window in which no new patch
// requests are issued, since they could not complete in time.
const defaultFreezeWindow = 10 * time.Minute

// Worker implements the three consumer loops the router needs.
type Worker struct {
	q        queue.Queue
	reg      *registry.Registry
	log      *logging.Logger
	consumer string

	freezeWindow time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRound
}

// pendingRound tracks the outstanding PoV-reproduce requests for one
// internal_patch_id's validation round.
type pendingRound struct {
	taskID    string
	sanitizer string
	expect    map[string]bool // key -> expect_crash
	got       map[string]bool // key -> crashed
	remaining int
}

func reproKey(crashToken, buildOutputKey string) string {
	return crashToken + "|" + buildOutputKey
}

// New builds a Worker.
func New(q queue.Queue, reg *registry.Registry, log *logging.Logger, consumer string) *Worker {
	return &Worker{
		q: q, reg: reg, log: log.WithField("component", "patchrouter"),
		consumer: consumer, pending: make(map[string]*pendingRound),
		freezeWindow: defaultFreezeWindow, now: time.Now,
	}
}

// SetFreezeWindow overrides the freeze window; zero restores the default.
func (w *Worker) SetFreezeWindow(d time.Duration) {
	if d <= 0 {
		d = defaultFreezeWindow
	}
	w.freezeWindow = d
}

// RunRequest consumes confirmed_vulnerability_queue and requests a patch
// for each.
func (w *Worker) RunRequest(ctx context.Context) error {
	return w.loop(ctx, "confirmed_vulnerability_queue", w.handleConfirmedVulnerability)
}

// RunPatchResult consumes patch_result_queue and fans out sanitizer builds.
func (w *Worker) RunPatchResult(ctx context.Context) error {
	return w.loop(ctx, "patch_result_queue", w.handlePatchResult)
}

// RunPOVResponse consumes pov_reproduce_response_queue and makes the
// PASS/FAIL decision once a round completes.
func (w *Worker) RunPOVResponse(ctx context.Context) error {
	return w.loop(ctx, "pov_reproduce_response_queue", w.handlePOVResponse)
}

func (w *Worker) loop(ctx context.Context, queueName string, handle func(context.Context, queue.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := w.q.Reserve(ctx, queueName, groupName, w.consumer, 1, 5000)
		if err != nil {
			w.log.Error("reserve failed", "queue", queueName, "error", err.Error())
			continue
		}
		for _, m := range msgs {
			handle(ctx, m)
			_ = w.q.Ack(ctx, queueName, groupName, m.ID)
		}
	}
}

func (w *Worker) handleConfirmedVulnerability(ctx context.Context, m queue.Message) {
	var v model.ConfirmedVulnerability
	if err := m.Envelope.Decode(&v); err != nil {
		w.log.Error("malformed confirmed_vulnerability, rejecting", "error", err.Error())
		_ = queue.DeadLetter(ctx, w.q, m.Envelope, "malformed confirmed_vulnerability: "+err.Error())
		return
	}
	if err := w.ensureSubmissionEntry(ctx, v.InternalPatchID, v.TaskID); err != nil {
		w.log.Error("ensureSubmissionEntry failed", "error", err.Error())
		return
	}
	w.requestPatch(ctx, v.TaskID, v.InternalPatchID, v.CrashTokens)
}

func (w *Worker) requestPatch(ctx context.Context, taskID, internalPatchID string, crashTokens []string) {
	// Too close to the deadline a fresh patch attempt could not build,
	// validate, and submit in time; let in-flight work finish instead.
	if task, ok, err := w.reg.GetTask(ctx, taskID); err == nil && ok {
		if !w.now().Before(time.UnixMilli(task.DeadlineMs).Add(-w.freezeWindow)) {
			w.log.Info("deadline freeze window, suppressing patch request",
				"task_id", taskID, "internal_patch_id", internalPatchID)
			return
		}
	}
	req := model.PatchRequest{TaskID: taskID, InternalPatchID: internalPatchID, CrashTokens: crashTokens}
	env, err := wire.Encode("patch_request", req)
	if err != nil {
		w.log.Error("encode patch_request failed", "error", err.Error())
		return
	}
	if _, err := w.q.Push(ctx, "patch_request_queue", env); err != nil {
		w.log.Error("push patch_request failed", "error", err.Error())
	}
}

func (w *Worker) ensureSubmissionEntry(ctx context.Context, internalPatchID, taskID string) error {
	_, ok, err := w.reg.GetSubmissionEntry(ctx, internalPatchID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return w.reg.PutSubmissionEntry(ctx, &model.SubmissionEntry{InternalPatchID: internalPatchID, TaskID: taskID})
}

// handlePatchResult appends the patch to the ledger, then fans out one
// build per sanitizer and, once each build completes, the PoV-reproduce
// requests for that sanitizer: one goroutine per sanitizer, each arming
// its validation round before pushing its requests, all joined on a
// WaitGroup.
func (w *Worker) handlePatchResult(ctx context.Context, m queue.Message) {
	var res model.PatchResult
	if err := m.Envelope.Decode(&res); err != nil {
		w.log.Error("malformed patch_result, rejecting", "error", err.Error())
		_ = queue.DeadLetter(ctx, w.q, m.Envelope, "malformed patch_result: "+err.Error())
		return
	}
	log := w.log.WithField("task_id", res.TaskID)

	if err := w.reg.UpdateSubmissionEntry(ctx, res.InternalPatchID, func(s *model.SubmissionEntry) error {
		s.Patches = append(s.Patches, model.SubmittedPatch{PatchIndex: len(s.Patches), PatchText: res.PatchText})
		return nil
	}); err != nil {
		log.Error("append patch to ledger failed", "error", err.Error())
		return
	}

	if res.Errored {
		w.onPatchBuildFailure(ctx, res.TaskID, res.InternalPatchID)
		return
	}

	vuln, ok, err := w.reg.GetVulnerability(ctx, res.InternalPatchID)
	if err != nil || !ok {
		log.Error("vulnerability lookup failed", "error", err)
		return
	}

	sanitizers, err := w.fuzzerSanitizers(ctx, res.TaskID)
	if err != nil {
		log.Error("listing sanitizers failed", "error", err.Error())
		return
	}

	var wg sync.WaitGroup
	for _, sanitizer := range sanitizers {
		wg.Add(1)
		go func(sanitizer string) {
			defer wg.Done()
			w.buildAndValidate(ctx, res.TaskID, res.InternalPatchID, sanitizer, res.PatchText, vuln.CrashTokens)
		}(sanitizer)
	}
	wg.Wait()
}

func (w *Worker) fuzzerSanitizers(ctx context.Context, taskID string) ([]string, error) {
	builds, err := w.reg.ScanBuildOutputs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, b := range builds {
		if b.BuildType != model.BuildFuzzer || seen[b.Sanitizer] {
			continue
		}
		seen[b.Sanitizer] = true
		out = append(out, b.Sanitizer)
	}
	return out, nil
}

// buildAndValidate dispatches a patch build for one sanitizer, polls the
// registry until it completes, then dispatches the patched-build and
// base-build PoV-reproduce requests for every original crash token.
func (w *Worker) buildAndValidate(ctx context.Context, taskID, internalPatchID, sanitizer, patchText string, crashTokens []string) {
	log := w.log.WithField("task_id", taskID)

	buildReq := model.BuildRequest{
		TaskID: taskID, BuildType: model.BuildPatch, Sanitizer: sanitizer,
		InternalPatchID: internalPatchID, PatchText: patchText,
	}
	env, err := wire.Encode("build_request", buildReq)
	if err != nil {
		log.Error("encode build_request failed", "error", err.Error())
		return
	}
	if _, err := w.q.Push(ctx, "build_request_queue", env); err != nil {
		log.Error("push build_request failed", "error", err.Error())
		return
	}

	patchedKey := (&model.BuildOutput{TaskID: taskID, BuildType: model.BuildPatch, Sanitizer: sanitizer, InternalPatchID: internalPatchID}).Key()
	patched, err := w.awaitBuild(ctx, patchedKey)
	if err != nil {
		log.Error("patch build did not complete", "error", err.Error())
		w.onPatchBuildFailure(ctx, taskID, internalPatchID)
		return
	}
	if patched.Outcome != model.BuildOutcomeOK {
		w.onPatchBuildFailure(ctx, taskID, internalPatchID)
		return
	}

	baseKey := (&model.BuildOutput{TaskID: taskID, BuildType: model.BuildFuzzer, Sanitizer: sanitizer}).Key()

	round := &pendingRound{
		taskID: taskID, sanitizer: sanitizer,
		expect: make(map[string]bool), got: make(map[string]bool),
	}
	for _, token := range crashTokens {
		round.expect[reproKey(token, patchedKey)] = false
		round.expect[reproKey(token, baseKey)] = true
	}
	round.remaining = len(round.expect)

	w.mu.Lock()
	w.pending[internalPatchID] = round
	w.mu.Unlock()

	for _, token := range crashTokens {
		w.pushReproduceRequest(ctx, taskID, internalPatchID, token, patchedKey, false)
		w.pushReproduceRequest(ctx, taskID, internalPatchID, token, baseKey, true)
	}
}

func (w *Worker) pushReproduceRequest(ctx context.Context, taskID, internalPatchID, crashToken, buildOutputKey string, expectCrash bool) {
	req := model.POVReproduceRequest{
		TaskID: taskID, InternalPatchID: internalPatchID, CrashToken: crashToken,
		BuildOutputKey: buildOutputKey, ExpectCrash: expectCrash,
	}
	env, err := wire.Encode("pov_reproduce_request", req)
	if err != nil {
		w.log.Error("encode pov_reproduce_request failed", "error", err.Error())
		return
	}
	if _, err := w.q.Push(ctx, "pov_reproduce_request_queue", env); err != nil {
		w.log.Error("push pov_reproduce_request failed", "error", err.Error())
	}
}

// awaitBuild polls the registry for key's BuildOutput until its outcome is
// no longer pending, backing off exponentially: the cross-process join
// equivalent of a sync.WaitGroup when the worker doing the build is a
// different process.
func (w *Worker) awaitBuild(ctx context.Context, key string) (*model.BuildOutput, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(b, ctx)

	var out *model.BuildOutput
	op := func() error {
		got, ok, err := w.reg.GetBuildOutput(ctx, key)
		if err != nil {
			return err
		}
		if !ok || got.Outcome == model.BuildOutcomePending {
			return fmt.Errorf("build %s still pending", key)
		}
		out = got
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Worker) handlePOVResponse(ctx context.Context, m queue.Message) {
	var resp model.POVReproduceResponse
	if err := m.Envelope.Decode(&resp); err != nil {
		w.log.Error("malformed pov_reproduce_response, rejecting", "error", err.Error())
		_ = queue.DeadLetter(ctx, w.q, m.Envelope, "malformed pov_reproduce_response: "+err.Error())
		return
	}

	w.mu.Lock()
	round, ok := w.pending[resp.InternalPatchID]
	if !ok {
		w.mu.Unlock()
		w.log.Debug("pov_reproduce_response for unknown round, ignoring", "internal_patch_id", resp.InternalPatchID)
		return
	}
	key := reproKey(resp.CrashToken, resp.BuildOutputKey)
	if _, already := round.got[key]; !already {
		round.got[key] = resp.Crashed
		round.remaining--
	}
	done := round.remaining <= 0
	if done {
		delete(w.pending, resp.InternalPatchID)
	}
	w.mu.Unlock()

	if !done {
		return
	}
	w.decide(ctx, resp.TaskID, resp.InternalPatchID, round)
}

// decide closes a validation round: PASS if every expected-crash
// result still crashes and every expected-no-crash result no longer
// crashes; otherwise FAIL, advancing patch_idx or giving up once the
// attempt cap is reached.
func (w *Worker) decide(ctx context.Context, taskID, internalPatchID string, round *pendingRound) {
	log := w.log.WithField("task_id", taskID)
	pass := true
	for key, expectCrash := range round.expect {
		if round.got[key] != expectCrash {
			pass = false
			break
		}
	}

	if pass {
		log.Info("patch validated", "internal_patch_id", internalPatchID)
		_ = w.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(s *model.SubmissionEntry) error {
			if len(s.Patches) > 0 {
				s.Patches[len(s.Patches)-1].Result = model.StatusPassed
			}
			return nil
		})
		return
	}

	log.Info("patch failed validation", "internal_patch_id", internalPatchID)
	_ = w.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(s *model.SubmissionEntry) error {
		if len(s.Patches) > 0 {
			s.Patches[len(s.Patches)-1].Result = model.StatusFailed
		}
		return nil
	})
	w.onPatchBuildFailure(ctx, taskID, internalPatchID)
}

// onPatchBuildFailure advances patch_idx on a failed attempt,
// either re-requesting a patch or giving up once patch_submission_attempts
// reaches the cap. Invoked both when a patch build errors outright and
// when a validation round comes back FAIL.
func (w *Worker) onPatchBuildFailure(ctx context.Context, taskID, internalPatchID string) {
	w.mu.Lock()
	delete(w.pending, internalPatchID)
	w.mu.Unlock()

	var giveUp bool
	if err := w.reg.UpdateSubmissionEntry(ctx, internalPatchID, func(s *model.SubmissionEntry) error {
		s.PatchIdx++
		if s.PatchIdx >= len(s.Patches) {
			s.PatchSubmissionAttempts++
			if s.PatchSubmissionAttempts >= maxPatchAttempts {
				s.Stop = true
				giveUp = true
			}
		}
		return nil
	}); err != nil {
		w.log.Error("advance patch_idx failed", "internal_patch_id", internalPatchID, "error", err.Error())
		return
	}

	if giveUp {
		return
	}
	vuln, ok, err := w.reg.GetVulnerability(ctx, internalPatchID)
	if err != nil || !ok {
		w.log.Error("vulnerability lookup for retry failed", "internal_patch_id", internalPatchID)
		return
	}
	w.requestPatch(ctx, taskID, internalPatchID, vuln.CrashTokens)
}
