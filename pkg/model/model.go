// Package model defines the wire-framed record types: Task, SourceDetail,
// BuildOutput, WeightedHarness, Crash, TracedCrash,
// ConfirmedVulnerability, SubmissionEntry, and Bundle.
package model

import "fmt"

// TaskType distinguishes full analysis tasks from delta (diff) tasks.
type TaskType string

const (
	TaskTypeFull  TaskType = "full"
	TaskTypeDelta TaskType = "delta"
)

// TaskState is a node in the scheduler's state machine.
type TaskState string

const (
	StatePending         TaskState = "pending"
	StateDownloading     TaskState = "downloading"
	StateReady           TaskState = "ready"
	StateFuzzing         TaskState = "fuzzing"
	StateVulnerabilities TaskState = "vulnerabilities"
	StatePatchWait       TaskState = "patch_wait"
	StatePatchBuild      TaskState = "patch_build"
	StatePatchValidate   TaskState = "patch_validate"
	StateSubmitting      TaskState = "submitting"
	StateSucceeded       TaskState = "succeeded"
	StateFailed          TaskState = "failed"
	StateErrored         TaskState = "errored"
	StateCancelled       TaskState = "cancelled"
)

// Terminal reports whether s is one of the four terminal states.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateErrored, StateCancelled:
		return true
	default:
		return false
	}
}

// SourceType identifies the role a SourceDetail plays within a task.
type SourceType string

const (
	SourceRepo        SourceType = "repo"
	SourceFuzzTooling SourceType = "fuzz-tooling"
	SourceDiff        SourceType = "diff"
)

// BuildType identifies which build the builder dispatcher produced.
type BuildType string

const (
	BuildFuzzer       BuildType = "fuzzer"
	BuildCoverage     BuildType = "coverage"
	BuildPatch        BuildType = "patch"
	BuildTracerNoDiff BuildType = "tracer_no_diff"
)

// BuildOutcome is the terminal status of a build attempt.
type BuildOutcome string

const (
	BuildOutcomePending BuildOutcome = "pending"
	BuildOutcomeOK      BuildOutcome = "ok"
	BuildOutcomeErrored BuildOutcome = "errored"
)

// SubmissionStatus mirrors the external API's status enum.
type SubmissionStatus string

const (
	StatusAccepted         SubmissionStatus = "accepted"
	StatusPassed           SubmissionStatus = "passed"
	StatusFailed           SubmissionStatus = "failed"
	StatusErrored          SubmissionStatus = "errored"
	StatusInconclusive     SubmissionStatus = "inconclusive"
	StatusDeadlineExceeded SubmissionStatus = "deadline_exceeded"
	StatusNone             SubmissionStatus = "none"
)

// Terminal reports whether a polled status is a stopping condition.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusErrored, StatusDeadlineExceeded, StatusInconclusive:
		return true
	default:
		return false
	}
}

// Task is the durable per-challenge record the scheduler owns.
type Task struct {
	TaskID      string            `json:"task_id"`
	Type        TaskType          `json:"type"`
	ProjectName string            `json:"project_name"`
	Focus       string            `json:"focus,omitempty"`
	DeadlineMs  int64             `json:"deadline_ms"`
	Sources     []SourceRef       `json:"sources"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Cancelled   bool              `json:"cancelled"`
	State       TaskState         `json:"state"`
}

// SourceRef is the inbound description of a source before it is fetched.
type SourceRef struct {
	SourceType SourceType `json:"source_type"`
	URL        string     `json:"url"`
	SHA256     string     `json:"sha256,omitempty"`
}

// Key returns the registry key for this task: tasks:<task_id>.
func (t *Task) Key() string { return fmt.Sprintf("tasks:%s", t.TaskID) }

// SourceDetail is a fetched-and-verified source, keyed by (task_id, sha256).
type SourceDetail struct {
	TaskID     string     `json:"task_id"`
	SHA256     string     `json:"sha256"`
	SourceType SourceType `json:"source_type"`
	URL        string     `json:"url"`
	LocalPath  string     `json:"local_path"`
}

// Key returns the registry key: downloaded:<task_id>/<sha256>.
func (s *SourceDetail) Key() string {
	return fmt.Sprintf("downloaded:%s/%s", s.TaskID, s.SHA256)
}

// BuildOutput is a completed (or errored) build, content-addressed per
// (task_id, build_type, sanitizer, internal_patch_id).
type BuildOutput struct {
	TaskID          string       `json:"task_id"`
	BuildType       BuildType    `json:"build_type"`
	Sanitizer       string       `json:"sanitizer"`
	InternalPatchID string       `json:"internal_patch_id,omitempty"`
	Engine          string       `json:"engine"`
	TaskDir         string       `json:"task_dir"`
	ApplyDiff       bool         `json:"apply_diff"`
	Outcome         BuildOutcome `json:"outcome"`
	Error           string       `json:"error,omitempty"`
}

// Key returns the registry key:
// builds:<task_id>/<build_type>/<sanitizer>[/<internal_patch_id>].
func (b *BuildOutput) Key() string {
	if b.InternalPatchID != "" {
		return fmt.Sprintf("builds:%s/%s/%s/%s", b.TaskID, b.BuildType, b.Sanitizer, b.InternalPatchID)
	}
	return fmt.Sprintf("builds:%s/%s/%s", b.TaskID, b.BuildType, b.Sanitizer)
}

// WeightedHarness is the fuzzer-fleet sampling weight for one harness.
type WeightedHarness struct {
	TaskID  string  `json:"task_id"`
	Package string  `json:"package"`
	Harness string  `json:"harness"`
	Weight  float64 `json:"weight"`
}

// Key returns the registry key: harness_weights:<task_id>/<package>/<harness>.
func (w *WeightedHarness) Key() string {
	return fmt.Sprintf("harness_weights:%s/%s/%s", w.TaskID, w.Package, w.Harness)
}

// BuildRef identifies the BuildOutput a Crash was found against.
type BuildRef struct {
	BuildType BuildType `json:"build_type"`
	Sanitizer string    `json:"sanitizer"`
}

// Crash is a deduplicated crash record, unique within (task_id, crash_token).
type Crash struct {
	CrashID       string   `json:"crash_id"`
	TaskID        string   `json:"task_id"`
	Target        BuildRef `json:"target"`
	HarnessName   string   `json:"harness_name"`
	CrashInputRef string   `json:"crash_input_ref"`
	Stacktrace    string   `json:"stacktrace"`
	CrashToken    string   `json:"crash_token"`
}

// Key returns the registry key: crashes:<task_id>/<crash_token>.
func (c *Crash) Key() string {
	return fmt.Sprintf("crashes:%s/%s", c.TaskID, c.CrashToken)
}

// TracedCrash is a Crash enriched with a tracer-build stacktrace.
type TracedCrash struct {
	Crash
	TracerStacktrace string `json:"tracer_stacktrace"`
}

// ConfirmedVulnerability groups crashes sharing a crash_token under one
// patch context.
type ConfirmedVulnerability struct {
	InternalPatchID   string   `json:"internal_patch_id"`
	TaskID            string   `json:"task_id"`
	CrashTokens       []string `json:"crash_tokens"`
	AssignedPatchWork string   `json:"assigned_patch_worker,omitempty"`
}

// Key returns the registry key: vulnerabilities:<internal_patch_id>.
func (v *ConfirmedVulnerability) Key() string {
	return fmt.Sprintf("vulnerabilities:%s", v.InternalPatchID)
}

// SubmittedCrash tracks one crash's PoV submission outcome. SubmitStarted
// is the pre-write marker the submitter sets before its first POST so a
// restart can recover the competition id instead of re-POSTing.
type SubmittedCrash struct {
	CrashToken       string           `json:"crash_token"`
	CompetitionPOVID string           `json:"competition_pov_id,omitempty"`
	Result           SubmissionStatus `json:"result"`
	SubmitStarted    bool             `json:"submit_started,omitempty"`
}

// SubmittedPatch tracks one attempted patch's build/validate/submit outcome.
type SubmittedPatch struct {
	PatchIndex         int              `json:"patch_index"`
	PatchText          string           `json:"patch_text"`
	CompetitionPatchID string           `json:"competition_patch_id,omitempty"`
	BuildOutputKeys    []string         `json:"build_output_keys,omitempty"`
	Result             SubmissionStatus `json:"result"`
	SubmitStarted      bool             `json:"submit_started,omitempty"`
}

// SubmissionEntry is the idempotent ledger the submitter owns for one
// internal_patch_id.
type SubmissionEntry struct {
	InternalPatchID         string           `json:"internal_patch_id"`
	TaskID                  string           `json:"task_id"`
	Crashes                 []SubmittedCrash `json:"crashes"`
	Patches                 []SubmittedPatch `json:"patches"`
	BundleIDs               []string         `json:"bundle_ids,omitempty"`
	PatchIdx                int              `json:"patch_idx"`
	PatchSubmissionAttempts int              `json:"patch_submission_attempts"`
	Stop                    bool             `json:"stop"`
}

// Key returns the registry key: submissions:<internal_patch_id>.
func (s *SubmissionEntry) Key() string {
	return fmt.Sprintf("submissions:%s", s.InternalPatchID)
}

// Bundle links a PoV, a patch, and optional SARIF evidence in the external
// API's bookkeeping.
type Bundle struct {
	TaskID             string `json:"task_id"`
	BundleID           string `json:"bundle_id"`
	CompetitionPOVID   string `json:"competition_pov_id"`
	CompetitionPatchID string `json:"competition_patch_id"`
	CompetitionSARIFID string `json:"competition_sarif_id,omitempty"`
}

// Key returns the registry key: bundles:<task_id>/<bundle_id>.
func (b *Bundle) Key() string {
	return fmt.Sprintf("bundles:%s/%s", b.TaskID, b.BundleID)
}

// TaskDownload is the queue payload pushed to task_download_queue.
type TaskDownload struct {
	Task Task `json:"task"`
}

// TaskDelete is the broadcast cancellation/cleanup payload.
type TaskDelete struct {
	TaskID string `json:"task_id"`
	All    bool   `json:"all,omitempty"`
}

// BuildRequest is the queue payload pushed to build_request_queue.
type BuildRequest struct {
	TaskID          string    `json:"task_id"`
	BuildType       BuildType `json:"build_type"`
	Sanitizer       string    `json:"sanitizer"`
	InternalPatchID string    `json:"internal_patch_id,omitempty"`
	PatchText       string    `json:"patch_text,omitempty"`
}

// POVReproduceRequest is the queue payload asking a PoV-reproducer to check
// whether a crash input still (or no longer) crashes a given build.
type POVReproduceRequest struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	CrashToken      string `json:"crash_token"`
	BuildOutputKey  string `json:"build_output_key"`
	ExpectCrash     bool   `json:"expect_crash"`
}

// POVReproduceResponse is the queue payload returned by a PoV-reproducer.
type POVReproduceResponse struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	CrashToken      string `json:"crash_token"`
	BuildOutputKey  string `json:"build_output_key"`
	Crashed         bool   `json:"crashed"`
}

// SeedInitRequest is the queue payload pushed to seed_init_queue asking
// the seed-gen fleet to produce an initial corpus for one harness.
type SeedInitRequest struct {
	TaskID  string `json:"task_id"`
	Package string `json:"package"`
	Harness string `json:"harness"`
}

// VulnDiscoveryRequest is the queue payload pushed to vuln_discovery_queue
// asking the discovery fleet to start analysing a task once its first
// fuzzer build is available.
type VulnDiscoveryRequest struct {
	TaskID string `json:"task_id"`
	Focus  string `json:"focus,omitempty"`
}

// PatchRequest is the queue payload pushed to patch_request_queue.
type PatchRequest struct {
	TaskID          string   `json:"task_id"`
	InternalPatchID string   `json:"internal_patch_id"`
	CrashTokens     []string `json:"crash_tokens"`
}

// PatchResult is the queue payload returned by a patch worker.
type PatchResult struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	PatchText       string `json:"patch_text"`
	Errored         bool   `json:"errored"`
}
