// Package registry implements the typed catalogues on top of
// internal/kv.Store, with every record framed through internal/wire and
// every mutation going through the jittered CAS retry loop.
package registry

import (
	"context"
	"fmt"

	"github.com/trailofbits/crs-core/internal/kv"
	"github.com/trailofbits/crs-core/internal/wire"
	"github.com/trailofbits/crs-core/pkg/model"
)

// Registry is the process-wide catalogue set, backed by a shared KV store.
type Registry struct {
	store kv.Store
}

// New builds a Registry over store.
func New(store kv.Store) *Registry {
	return &Registry{store: store}
}

// ---- Tasks --------------------------------------------------------------

// PutTask CAS-inserts a brand-new task; fails if one already exists.
func (r *Registry) PutTask(ctx context.Context, t *model.Task) error {
	b, err := wire.EncodeRecord("task", t)
	if err != nil {
		return err
	}
	return retryCAS(ctx, "registry", t.TaskID, func() (bool, error) {
		return r.store.CAS(ctx, t.Key(), nil, b)
	})
}

// GetTask returns the current Task record, or ok=false if absent.
func (r *Registry) GetTask(ctx context.Context, taskID string) (*model.Task, bool, error) {
	t := &model.Task{TaskID: taskID}
	raw, ok, err := r.store.Get(ctx, t.Key())
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := wire.DecodeRecord(raw, "task", t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// UpdateTask reads the current Task, applies mutate, and CAS-writes it
// back, retrying under contention.
func (r *Registry) UpdateTask(ctx context.Context, taskID string, mutate func(*model.Task) error) error {
	key := (&model.Task{TaskID: taskID}).Key()
	return retryCAS(ctx, "registry", taskID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("registry: task %s not found", taskID)
		}
		cur := &model.Task{}
		if err := wire.DecodeRecord(raw, "task", cur); err != nil {
			return false, err
		}
		if err := mutate(cur); err != nil {
			return false, err
		}
		next, err := wire.EncodeRecord("task", cur)
		if err != nil {
			return false, err
		}
		return r.store.CAS(ctx, key, raw, next)
	})
}

// ScanTasks returns every task currently in the catalogue.
func (r *Registry) ScanTasks(ctx context.Context) ([]*model.Task, error) {
	raws, err := r.store.ScanPrefix(ctx, "tasks:")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Task, 0, len(raws))
	for _, raw := range raws {
		t := &model.Task{}
		if err := wire.DecodeRecord(raw, "task", t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTask removes a task's catalogue entry.
func (r *Registry) DeleteTask(ctx context.Context, taskID string) error {
	return r.store.Del(ctx, (&model.Task{TaskID: taskID}).Key())
}

// ---- Downloaded sources --------------------------------------------------

// PutSourceDetail CAS-writes a fetched source, inserting it or
// overwriting an existing record under the same key.
func (r *Registry) PutSourceDetail(ctx context.Context, s *model.SourceDetail) error {
	b, err := wire.EncodeRecord("source_detail", s)
	if err != nil {
		return err
	}
	return retryCAS(ctx, "registry", s.TaskID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, s.Key())
		if err != nil {
			return false, err
		}
		var old []byte
		if ok {
			old = raw
		}
		return r.store.CAS(ctx, s.Key(), old, b)
	})
}

// ScanSourceDetails returns every downloaded source for taskID.
func (r *Registry) ScanSourceDetails(ctx context.Context, taskID string) ([]*model.SourceDetail, error) {
	raws, err := r.store.ScanPrefix(ctx, fmt.Sprintf("downloaded:%s/", taskID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.SourceDetail, 0, len(raws))
	for _, raw := range raws {
		s := &model.SourceDetail{}
		if err := wire.DecodeRecord(raw, "source_detail", s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ---- Builds ---------------------------------------------------------------

// PutBuildPlaceholder CAS-inserts a pending placeholder for a build
// identity, enforcing the at-most-one-concurrent-build rule. Returns
// ok=false if a build for this identity is already in flight or complete.
func (r *Registry) PutBuildPlaceholder(ctx context.Context, b *model.BuildOutput) (bool, error) {
	placeholder := &model.BuildOutput{
		TaskID: b.TaskID, BuildType: b.BuildType, Sanitizer: b.Sanitizer,
		InternalPatchID: b.InternalPatchID, Outcome: model.BuildOutcomePending,
	}
	enc, err := wire.EncodeRecord("build_output", placeholder)
	if err != nil {
		return false, err
	}
	ok, err := r.store.CAS(ctx, b.Key(), nil, enc)
	return ok, err
}

// PutBuildOutput CAS-overwrites the (existing placeholder or prior)
// record for a build identity with its final outcome.
func (r *Registry) PutBuildOutput(ctx context.Context, b *model.BuildOutput) error {
	enc, err := wire.EncodeRecord("build_output", b)
	if err != nil {
		return err
	}
	return retryCAS(ctx, "registry", b.TaskID, func() (bool, error) {
		raw, _, err := r.store.Get(ctx, b.Key())
		if err != nil {
			return false, err
		}
		return r.store.CAS(ctx, b.Key(), raw, enc)
	})
}

// GetBuildOutput returns the build record for an identity, if any.
func (r *Registry) GetBuildOutput(ctx context.Context, key string) (*model.BuildOutput, bool, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	b := &model.BuildOutput{}
	if err := wire.DecodeRecord(raw, "build_output", b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// ScanBuildOutputs returns every build record for taskID, used by the
// patch router to discover which sanitizers a task's fuzzer builds cover.
func (r *Registry) ScanBuildOutputs(ctx context.Context, taskID string) ([]*model.BuildOutput, error) {
	raws, err := r.store.ScanPrefix(ctx, fmt.Sprintf("builds:%s/", taskID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.BuildOutput, 0, len(raws))
	for _, raw := range raws {
		b := &model.BuildOutput{}
		if err := wire.DecodeRecord(raw, "build_output", b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ---- Harness weights ------------------------------------------------------

// DeclareHarness CAS-inserts a harness at the default weight of 1.0 if
// absent; a no-op if already declared.
func (r *Registry) DeclareHarness(ctx context.Context, taskID, pkg, harness string) error {
	w := &model.WeightedHarness{TaskID: taskID, Package: pkg, Harness: harness, Weight: 1.0}
	enc, err := wire.EncodeRecord("weighted_harness", w)
	if err != nil {
		return err
	}
	_, err = r.store.CAS(ctx, w.Key(), nil, enc)
	return err
}

// ScaleHarnessWeight multiplies a harness's weight by factor, clamped to
// [0, 1000], via a CAS retry loop.
func (r *Registry) ScaleHarnessWeight(ctx context.Context, taskID, pkg, harness string, factor float64) error {
	key := (&model.WeightedHarness{TaskID: taskID, Package: pkg, Harness: harness}).Key()
	return retryCAS(ctx, "registry", taskID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return false, err
		}
		cur := &model.WeightedHarness{TaskID: taskID, Package: pkg, Harness: harness, Weight: 1.0}
		if ok {
			if err := wire.DecodeRecord(raw, "weighted_harness", cur); err != nil {
				return false, err
			}
		}
		cur.Weight = clamp(cur.Weight*factor, 0, 1000)
		next, err := wire.EncodeRecord("weighted_harness", cur)
		if err != nil {
			return false, err
		}
		var old []byte
		if ok {
			old = raw
		}
		return r.store.CAS(ctx, key, old, next)
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PutHarnessWeight CAS-inserts a harness at an explicit weight. Returns
// ok=false if the harness is already declared (the admin CLI's key
// conflict).
func (r *Registry) PutHarnessWeight(ctx context.Context, w *model.WeightedHarness) (bool, error) {
	enc, err := wire.EncodeRecord("weighted_harness", w)
	if err != nil {
		return false, err
	}
	return r.store.CAS(ctx, w.Key(), nil, enc)
}

// ScanAllHarnessWeights returns every declared harness weight across all
// tasks, for the admin CLI's read-harnesses.
func (r *Registry) ScanAllHarnessWeights(ctx context.Context) ([]*model.WeightedHarness, error) {
	raws, err := r.store.ScanPrefix(ctx, "harness_weights:")
	if err != nil {
		return nil, err
	}
	out := make([]*model.WeightedHarness, 0, len(raws))
	for _, raw := range raws {
		w := &model.WeightedHarness{}
		if err := wire.DecodeRecord(raw, "weighted_harness", w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ScanHarnessWeights returns every declared harness weight for taskID.
func (r *Registry) ScanHarnessWeights(ctx context.Context, taskID string) ([]*model.WeightedHarness, error) {
	raws, err := r.store.ScanPrefix(ctx, fmt.Sprintf("harness_weights:%s/", taskID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.WeightedHarness, 0, len(raws))
	for _, raw := range raws {
		w := &model.WeightedHarness{}
		if err := wire.DecodeRecord(raw, "weighted_harness", w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ---- Crashes ---------------------------------------------------------------

// InsertCrash CAS-inserts a Crash under (task_id, crash_token). Returns
// ok=false if the key already exists (a duplicate).
func (r *Registry) InsertCrash(ctx context.Context, c *model.Crash) (bool, error) {
	enc, err := wire.EncodeRecord("crash", c)
	if err != nil {
		return false, err
	}
	return r.store.CAS(ctx, c.Key(), nil, enc)
}

// GetCrash returns the Crash for (task_id, crash_token), if present.
func (r *Registry) GetCrash(ctx context.Context, taskID, crashToken string) (*model.Crash, bool, error) {
	key := (&model.Crash{TaskID: taskID, CrashToken: crashToken}).Key()
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	c := &model.Crash{}
	if err := wire.DecodeRecord(raw, "crash", c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// AppendCrashBag appends rawInputRef to the forensic bag kept for
// duplicate inputs sharing a crash_token.
func (r *Registry) AppendCrashBag(ctx context.Context, taskID, crashToken, rawInputRef string) error {
	key := fmt.Sprintf("crashbag:%s/%s", taskID, crashToken)
	return retryCAS(ctx, "registry", taskID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return false, err
		}
		var bag []string
		if ok {
			if err := wire.DecodeRecord(raw, "crash_bag", &bag); err != nil {
				return false, err
			}
		}
		bag = append(bag, rawInputRef)
		next, err := wire.EncodeRecord("crash_bag", bag)
		if err != nil {
			return false, err
		}
		var old []byte
		if ok {
			old = raw
		}
		return r.store.CAS(ctx, key, old, next)
	})
}

// ---- Vulnerabilities --------------------------------------------------------

// PutVulnerability CAS-inserts a new ConfirmedVulnerability.
func (r *Registry) PutVulnerability(ctx context.Context, v *model.ConfirmedVulnerability) error {
	enc, err := wire.EncodeRecord("confirmed_vulnerability", v)
	if err != nil {
		return err
	}
	return retryCAS(ctx, "registry", v.TaskID, func() (bool, error) {
		return r.store.CAS(ctx, v.Key(), nil, enc)
	})
}

// GetVulnerability returns a ConfirmedVulnerability by internal_patch_id.
func (r *Registry) GetVulnerability(ctx context.Context, internalPatchID string) (*model.ConfirmedVulnerability, bool, error) {
	key := (&model.ConfirmedVulnerability{InternalPatchID: internalPatchID}).Key()
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	v := &model.ConfirmedVulnerability{}
	if err := wire.DecodeRecord(raw, "confirmed_vulnerability", v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// UpdateVulnerability reads, mutates, and CAS-writes back a
// ConfirmedVulnerability, retrying under contention.
func (r *Registry) UpdateVulnerability(ctx context.Context, internalPatchID string, mutate func(*model.ConfirmedVulnerability) error) error {
	key := (&model.ConfirmedVulnerability{InternalPatchID: internalPatchID}).Key()
	return retryCAS(ctx, "registry", internalPatchID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok {
			return false, fmt.Errorf("registry: vulnerability %s not found", internalPatchID)
		}
		cur := &model.ConfirmedVulnerability{}
		if err := wire.DecodeRecord(raw, "confirmed_vulnerability", cur); err != nil {
			return false, err
		}
		if err := mutate(cur); err != nil {
			return false, err
		}
		next, err := wire.EncodeRecord("confirmed_vulnerability", cur)
		if err != nil {
			return false, err
		}
		return r.store.CAS(ctx, key, raw, next)
	})
}

// ScanVulnerabilities returns every ConfirmedVulnerability for taskID,
// used by the fuzzer-merge worker to find a record an incoming crash_token
// should be folded into rather than allocating a fresh internal_patch_id.
func (r *Registry) ScanVulnerabilities(ctx context.Context, taskID string) ([]*model.ConfirmedVulnerability, error) {
	raws, err := r.store.ScanPrefix(ctx, "vulnerabilities:")
	if err != nil {
		return nil, err
	}
	out := make([]*model.ConfirmedVulnerability, 0)
	for _, raw := range raws {
		v := &model.ConfirmedVulnerability{}
		if err := wire.DecodeRecord(raw, "confirmed_vulnerability", v); err != nil {
			return nil, err
		}
		if v.TaskID == taskID {
			out = append(out, v)
		}
	}
	return out, nil
}

// ---- Submissions -------------------------------------------------------------

// PutSubmissionEntry CAS-inserts a new ledger entry for internal_patch_id.
func (r *Registry) PutSubmissionEntry(ctx context.Context, s *model.SubmissionEntry) error {
	enc, err := wire.EncodeRecord("submission_entry", s)
	if err != nil {
		return err
	}
	return retryCAS(ctx, "registry", s.TaskID, func() (bool, error) {
		return r.store.CAS(ctx, s.Key(), nil, enc)
	})
}

// GetSubmissionEntry returns the ledger entry for internal_patch_id.
func (r *Registry) GetSubmissionEntry(ctx context.Context, internalPatchID string) (*model.SubmissionEntry, bool, error) {
	key := (&model.SubmissionEntry{InternalPatchID: internalPatchID}).Key()
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	s := &model.SubmissionEntry{}
	if err := wire.DecodeRecord(raw, "submission_entry", s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// UpdateSubmissionEntry reads, mutates, and CAS-writes back a
// SubmissionEntry. This is the primitive the submitter's idempotence
// guarantee is built on: the caller's mutate closure should be a no-op
// once the relevant competition_*_id is already set, so a retried CAS
// never double-POSTs.
func (r *Registry) UpdateSubmissionEntry(ctx context.Context, internalPatchID string, mutate func(*model.SubmissionEntry) error) error {
	key := (&model.SubmissionEntry{InternalPatchID: internalPatchID}).Key()
	return retryCAS(ctx, "registry", internalPatchID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok {
			return false, fmt.Errorf("registry: submission entry %s not found", internalPatchID)
		}
		cur := &model.SubmissionEntry{}
		if err := wire.DecodeRecord(raw, "submission_entry", cur); err != nil {
			return false, err
		}
		if err := mutate(cur); err != nil {
			return false, err
		}
		next, err := wire.EncodeRecord("submission_entry", cur)
		if err != nil {
			return false, err
		}
		return r.store.CAS(ctx, key, raw, next)
	})
}

// ScanSubmissionEntries returns every ledger entry for taskID, used by the
// scheduler's Submitting→{Succeeded,Failed} decision.
func (r *Registry) ScanSubmissionEntries(ctx context.Context, taskID string) ([]*model.SubmissionEntry, error) {
	raws, err := r.store.ScanPrefix(ctx, "submissions:")
	if err != nil {
		return nil, err
	}
	out := make([]*model.SubmissionEntry, 0)
	for _, raw := range raws {
		s := &model.SubmissionEntry{}
		if err := wire.DecodeRecord(raw, "submission_entry", s); err != nil {
			return nil, err
		}
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ---- Bundles ------------------------------------------------------------------

// PutBundle CAS-inserts a new Bundle.
func (r *Registry) PutBundle(ctx context.Context, b *model.Bundle) error {
	enc, err := wire.EncodeRecord("bundle", b)
	if err != nil {
		return err
	}
	return retryCAS(ctx, "registry", b.TaskID, func() (bool, error) {
		return r.store.CAS(ctx, b.Key(), nil, enc)
	})
}

// GetBundle returns the Bundle for (task_id, bundle_id), if present.
func (r *Registry) GetBundle(ctx context.Context, taskID, bundleID string) (*model.Bundle, bool, error) {
	key := (&model.Bundle{TaskID: taskID, BundleID: bundleID}).Key()
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	b := &model.Bundle{}
	if err := wire.DecodeRecord(raw, "bundle", b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// UpdateBundle reads, mutates, and CAS-writes back a Bundle, used by the
// submitter as additional artifacts pass and the bundle is PATCHed.
func (r *Registry) UpdateBundle(ctx context.Context, taskID, bundleID string, mutate func(*model.Bundle) error) error {
	key := (&model.Bundle{TaskID: taskID, BundleID: bundleID}).Key()
	return retryCAS(ctx, "registry", taskID, func() (bool, error) {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok {
			return false, fmt.Errorf("registry: bundle %s/%s not found", taskID, bundleID)
		}
		cur := &model.Bundle{}
		if err := wire.DecodeRecord(raw, "bundle", cur); err != nil {
			return false, err
		}
		if err := mutate(cur); err != nil {
			return false, err
		}
		next, err := wire.EncodeRecord("bundle", cur)
		if err != nil {
			return false, err
		}
		return r.store.CAS(ctx, key, raw, next)
	})
}

// ---- GC --------------------------------------------------------------------

// PurgeTask removes every catalogue entry associated with taskID: the
// task record itself, downloaded sources, builds, harness weights,
// crashes (+ forensic bags). Vulnerabilities/submissions are keyed by
// internal_patch_id and must be purged by the caller (pkg/gc) using the
// internal_patch_id set it tracks, since the registry has no reverse
// index from task_id to internal_patch_id.
func (r *Registry) PurgeTask(ctx context.Context, taskID string) error {
	prefixes := []string{
		fmt.Sprintf("downloaded:%s/", taskID),
		fmt.Sprintf("builds:%s/", taskID),
		fmt.Sprintf("harness_weights:%s/", taskID),
		fmt.Sprintf("crashes:%s/", taskID),
		fmt.Sprintf("crashbag:%s/", taskID),
		fmt.Sprintf("bundles:%s/", taskID),
	}
	for _, p := range prefixes {
		keys, err := r.store.ScanPrefix(ctx, p)
		if err != nil {
			return err
		}
		for k := range keys {
			if err := r.store.Del(ctx, k); err != nil {
				return err
			}
		}
	}
	return r.DeleteTask(ctx, taskID)
}

// PurgeVulnerabilityAndSubmission removes one internal_patch_id's
// vulnerability and ledger entries, part of pkg/gc's per-task sweep.
func (r *Registry) PurgeVulnerabilityAndSubmission(ctx context.Context, internalPatchID string) error {
	if err := r.store.Del(ctx, (&model.ConfirmedVulnerability{InternalPatchID: internalPatchID}).Key()); err != nil {
		return err
	}
	return r.store.Del(ctx, (&model.SubmissionEntry{InternalPatchID: internalPatchID}).Key())
}
