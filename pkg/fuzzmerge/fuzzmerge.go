// Package fuzzmerge implements the crash deduplication and confirmation
// pipeline: normalize raw crash stacktraces into a
// deterministic crash_token, CAS-insert to deduplicate, route new crashes
// to the tracer, and fold traced crashes into ConfirmedVulnerability
// records.
package fuzzmerge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/harness"
	"github.com/trailofbits/crs-core/pkg/model"
)

const groupName = "fuzzmerge"

// yieldRewardFactor is the multiplicative bump a harness's weight gets
// for each fresh (non-duplicate) crash it produces, biasing fuzzer
// effort toward harnesses that are still finding new bugs.
const yieldRewardFactor = 1.1

// Worker consumes raw_crash_queue and traced_crash_queue.
type Worker struct {
	q        queue.Queue
	reg      *registry.Registry
	alloc    *harness.Allocator
	log      *logging.Logger
	met      *metrics.Registry
	consumer string
}

// New builds a Worker. met may be nil.
func New(q queue.Queue, reg *registry.Registry, log *logging.Logger, met *metrics.Registry, consumer string) *Worker {
	return &Worker{
		q: q, reg: reg, alloc: harness.New(reg),
		log: log.WithField("component", "fuzzmerge"),
		met: met, consumer: consumer,
	}
}

// CrashToken computes sha256(sanitizer + "\x00" + normalized frames
// joined by "\x00"), hex-encoded.
func CrashToken(sanitizer string, normalizedFrames []string) string {
	h := sha256.New()
	h.Write([]byte(sanitizer))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(normalizedFrames, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// RunDedup loops reserving raw crashes, deduplicating, and routing new
// ones to the tracer.
func (w *Worker) RunDedup(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := w.q.Reserve(ctx, "raw_crash_queue", groupName, w.consumer, 1, 5000)
		if err != nil {
			w.log.Error("reserve failed", "queue", "raw_crash_queue", "error", err.Error())
			continue
		}
		for _, m := range msgs {
			w.handleRawCrash(ctx, m)
			_ = w.q.Ack(ctx, "raw_crash_queue", groupName, m.ID)
		}
	}
}

// RunConfirm loops reserving tracer output and folding it into
// ConfirmedVulnerability records.
func (w *Worker) RunConfirm(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := w.q.Reserve(ctx, "traced_crash_queue", groupName, w.consumer, 1, 5000)
		if err != nil {
			w.log.Error("reserve failed", "queue", "traced_crash_queue", "error", err.Error())
			continue
		}
		for _, m := range msgs {
			w.handleTracedCrash(ctx, m)
			_ = w.q.Ack(ctx, "traced_crash_queue", groupName, m.ID)
		}
	}
}

func (w *Worker) handleRawCrash(ctx context.Context, m queue.Message) {
	var c model.Crash
	if err := m.Envelope.Decode(&c); err != nil {
		w.log.Error("malformed raw crash, rejecting", "error", err.Error())
		_ = queue.DeadLetter(ctx, w.q, m.Envelope, "malformed crash: "+err.Error())
		return
	}
	log := w.log.WithField("task_id", c.TaskID)

	frames := NormalizeStacktrace(c.Stacktrace)
	c.CrashToken = CrashToken(c.Target.Sanitizer, frames)
	if w.met != nil {
		w.met.CrashesSeen.WithLabelValues(c.TaskID).Inc()
	}

	inserted, err := w.reg.InsertCrash(ctx, &c)
	if err != nil {
		log.Error("InsertCrash failed", "error", err.Error())
		return
	}
	if !inserted {
		log.Debug("duplicate crash, appending to forensic bag", "crash_token", c.CrashToken)
		if w.met != nil {
			w.met.CrashesDeduped.WithLabelValues(c.TaskID).Inc()
		}
		if err := w.reg.AppendCrashBag(ctx, c.TaskID, c.CrashToken, c.CrashInputRef); err != nil {
			log.Error("AppendCrashBag failed", "error", err.Error())
		}
		return
	}

	// A fresh crash is yield: reward the harness that found it so the
	// fuzzer fleet biases effort toward it.
	if c.HarnessName != "" {
		if err := w.alloc.ScaleByName(ctx, c.TaskID, c.HarnessName, yieldRewardFactor); err != nil {
			log.Warn("harness weight reward failed", "harness", c.HarnessName, "error", err.Error())
		}
	}

	env, err := wire.Encode("crash", c)
	if err != nil {
		log.Error("encode crash for tracer_queue failed", "error", err.Error())
		return
	}
	if _, err := w.q.Push(ctx, "tracer_queue", env); err != nil {
		log.Error("push to tracer_queue failed", "error", err.Error())
	}
}

func (w *Worker) handleTracedCrash(ctx context.Context, m queue.Message) {
	var tc model.TracedCrash
	if err := m.Envelope.Decode(&tc); err != nil {
		w.log.Error("malformed traced crash, rejecting", "error", err.Error())
		_ = queue.DeadLetter(ctx, w.q, m.Envelope, "malformed traced_crash: "+err.Error())
		return
	}
	log := w.log.WithField("task_id", tc.TaskID)

	existing, internalPatchID, err := w.findSubsumingVulnerability(ctx, tc.TaskID, tc.CrashToken)
	if err != nil {
		log.Error("lookup failed", "error", err.Error())
		return
	}

	if existing != nil {
		if err := w.reg.UpdateVulnerability(ctx, internalPatchID, func(v *model.ConfirmedVulnerability) error {
			for _, t := range v.CrashTokens {
				if t == tc.CrashToken {
					return nil
				}
			}
			v.CrashTokens = append(v.CrashTokens, tc.CrashToken)
			return nil
		}); err != nil {
			log.Error("UpdateVulnerability failed", "error", err.Error())
		}
		return
	}

	internalPatchID = uuid.NewString()
	v := &model.ConfirmedVulnerability{
		InternalPatchID: internalPatchID,
		TaskID:          tc.TaskID,
		CrashTokens:     []string{tc.CrashToken},
	}
	if err := w.reg.PutVulnerability(ctx, v); err != nil {
		log.Error("PutVulnerability failed", "error", err.Error())
		return
	}

	env, err := wire.Encode("confirmed_vulnerability", v)
	if err != nil {
		log.Error("encode confirmed_vulnerability failed", "error", err.Error())
		return
	}
	if _, err := w.q.Push(ctx, "confirmed_vulnerability_queue", env); err != nil {
		log.Error("push to confirmed_vulnerability_queue failed", "error", err.Error())
	}
}

// findSubsumingVulnerability is a linear scan over taskID's
// ConfirmedVulnerability records for one already covering crashToken.
// The registry has no (task_id, crash_token)->internal_patch_id reverse
// index, so this trades an O(n) scan (n = vulnerabilities per task, always
// small) for not adding an eighth catalogue.
func (w *Worker) findSubsumingVulnerability(ctx context.Context, taskID, crashToken string) (*model.ConfirmedVulnerability, string, error) {
	vulns, err := w.reg.ScanVulnerabilities(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	for _, v := range vulns {
		for _, t := range v.CrashTokens {
			if t == crashToken {
				return v, v.InternalPatchID, nil
			}
		}
	}
	return nil, "", nil
}
