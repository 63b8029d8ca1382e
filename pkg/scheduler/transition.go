package scheduler

import (
	"time"

	"github.com/trailofbits/crs-core/internal/errs"
	"github.com/trailofbits/crs-core/pkg/model"
)

// view is the snapshot of registry state a transition decision is made
// from. It is assembled once per event so decide stays a pure function.
type view struct {
	task    *model.Task
	sources []*model.SourceDetail
	builds  []*model.BuildOutput
	vulns   []*model.ConfirmedVulnerability
	entries []*model.SubmissionEntry
	now     time.Time
}

// Outcome is the interpretation decide hands back to the actor.
type Outcome int

const (
	// OutcomeStay keeps the current state; the actor re-evaluates on the
	// next event or tick.
	OutcomeStay Outcome = iota
	// OutcomeAdvance moves the task to Decision.Next and runs that
	// state's entry side effects.
	OutcomeAdvance
	// OutcomeFail carries an error kind; the actor maps soft kinds to
	// Stay and hard kinds to the Errored terminal state.
	OutcomeFail
)

// Decision is the sum-type transition result the actor interprets
// deterministically: Advance(NewState) | Stay | Fail(Kind).
type Decision struct {
	Outcome  Outcome
	Next     model.TaskState
	FailKind errs.Kind
	Reason   string
}

// Advance moves to next.
func Advance(next model.TaskState) Decision {
	return Decision{Outcome: OutcomeAdvance, Next: next}
}

// Stay holds the current state.
func Stay() Decision { return Decision{Outcome: OutcomeStay} }

// Fail reports a failure of the given kind; soft kinds pause, hard kinds
// terminate.
func Fail(kind errs.Kind, reason string) Decision {
	return Decision{Outcome: OutcomeFail, FailKind: kind, Reason: reason}
}

// deadline returns the task's deadline as a time.Time.
func (v view) deadline() time.Time {
	return time.UnixMilli(v.task.DeadlineMs)
}

// decide computes the next transition for v, deriving everything from
// the registry snapshot rather than from the triggering event, so a
// redelivered or lost event never strands a task: the next tick reaches
// the same decision.
func decide(cfg Config, v view) Decision {
	if v.task.State.Terminal() {
		return Stay()
	}

	if v.task.Cancelled || v.now.After(v.deadline().Add(-cfg.CancelGrace)) {
		return Advance(model.StateCancelled)
	}

	switch v.task.State {
	case model.StatePending:
		return Advance(model.StateDownloading)

	case model.StateDownloading:
		if v.sourcesComplete() {
			return Advance(model.StateReady)
		}
		return Stay()

	case model.StateReady:
		okCount, erroredCount, pendingCount := v.fuzzerBuildCounts()
		if okCount > 0 {
			return Advance(model.StateFuzzing)
		}
		if pendingCount == 0 && erroredCount > 0 {
			// Every sanitizer's fuzzer build failed; nothing to fuzz.
			return Fail(errs.KindTerminal, "all fuzzer builds errored")
		}
		return Stay()

	case model.StateFuzzing:
		if len(v.vulns) > 0 {
			return Advance(model.StateVulnerabilities)
		}
		return Stay()

	case model.StateVulnerabilities:
		if v.anyPOVAccepted() {
			return Advance(model.StatePatchWait)
		}
		if v.allEntriesStopped() {
			return Advance(model.StateFailed)
		}
		return Stay()

	case model.StatePatchWait:
		if v.anyPatchReturned() {
			return Advance(model.StatePatchBuild)
		}
		if v.allEntriesStopped() {
			return Advance(model.StateFailed)
		}
		return Stay()

	case model.StatePatchBuild:
		done, total := v.patchBuildCounts()
		if total > 0 && done == total {
			return Advance(model.StatePatchValidate)
		}
		return Stay()

	case model.StatePatchValidate:
		if v.anyPatchPassed() {
			return Advance(model.StateSubmitting)
		}
		if v.allEntriesStopped() {
			return Advance(model.StateFailed)
		}
		if v.anyPatchFailed() {
			// The router has re-requested a patch; wait for it.
			return Advance(model.StatePatchWait)
		}
		return Stay()

	case model.StateSubmitting:
		if !v.allSubmissionsTerminal() {
			return Stay()
		}
		if v.anySubmissionSucceeded() {
			return Advance(model.StateSucceeded)
		}
		return Advance(model.StateFailed)
	}

	return Stay()
}

// sourcesComplete reports whether the downloader has delivered the
// mandatory repo and fuzz-tooling sources.
func (v view) sourcesComplete() bool {
	var repo, tooling bool
	for _, s := range v.sources {
		switch s.SourceType {
		case model.SourceRepo:
			repo = true
		case model.SourceFuzzTooling:
			tooling = true
		}
	}
	return repo && tooling
}

func (v view) fuzzerBuildCounts() (ok, errored, pending int) {
	for _, b := range v.builds {
		if b.BuildType != model.BuildFuzzer {
			continue
		}
		switch b.Outcome {
		case model.BuildOutcomeOK:
			ok++
		case model.BuildOutcomeErrored:
			errored++
		default:
			pending++
		}
	}
	return ok, errored, pending
}

func (v view) anyPOVAccepted() bool {
	for _, e := range v.entries {
		for _, c := range e.Crashes {
			if c.CompetitionPOVID != "" && c.Result != model.StatusErrored && c.Result != model.StatusFailed {
				return true
			}
		}
	}
	return false
}

func (v view) anyPatchReturned() bool {
	for _, e := range v.entries {
		if len(e.Patches) > e.PatchIdx {
			return true
		}
	}
	return false
}

func (v view) allEntriesStopped() bool {
	if len(v.entries) == 0 {
		return false
	}
	for _, e := range v.entries {
		if !e.Stop {
			return false
		}
	}
	return true
}

func (v view) patchBuildCounts() (done, total int) {
	for _, b := range v.builds {
		if b.BuildType != model.BuildPatch {
			continue
		}
		total++
		if b.Outcome != model.BuildOutcomePending {
			done++
		}
	}
	return done, total
}

func (v view) anyPatchPassed() bool {
	for _, e := range v.entries {
		for _, p := range e.Patches {
			if p.Result == model.StatusPassed {
				return true
			}
		}
	}
	return false
}

func (v view) anyPatchFailed() bool {
	for _, e := range v.entries {
		for _, p := range e.Patches {
			if p.Result == model.StatusFailed {
				return true
			}
		}
	}
	return false
}

// allSubmissionsTerminal reports whether every ledger entry has reached a
// stopping point: stop set, or a patch with a terminal competition result.
func (v view) allSubmissionsTerminal() bool {
	if len(v.entries) == 0 {
		return false
	}
	for _, e := range v.entries {
		if e.Stop {
			continue
		}
		terminal := false
		for _, p := range e.Patches {
			if p.CompetitionPatchID != "" && p.Result.Terminal() {
				terminal = true
				break
			}
		}
		if !terminal {
			return false
		}
	}
	return true
}

// anySubmissionSucceeded reports whether at least one entry carries both a
// passed PoV and a passed patch on the competition side.
func (v view) anySubmissionSucceeded() bool {
	for _, e := range v.entries {
		var povPassed, patchPassed bool
		for _, c := range e.Crashes {
			if c.CompetitionPOVID != "" && c.Result == model.StatusPassed {
				povPassed = true
			}
		}
		for _, p := range e.Patches {
			if p.CompetitionPatchID != "" && p.Result == model.StatusPassed {
				patchPassed = true
			}
		}
		if povPassed && patchPassed {
			return true
		}
	}
	return false
}
