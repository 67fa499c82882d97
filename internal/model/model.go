// Package model defines the core types shared across the sentinel engine:
// work items, pod snapshots, comment records, alerts, completion findings,
// and remediation tasks.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Stage is one step in the fixed delivery pipeline.
type Stage string

const (
	StageImplementation Stage = "implementation"
	StageQuality        Stage = "quality"
	StageTesting        Stage = "testing"
	StageSecurity       Stage = "security"
	StageIntegration    Stage = "integration"
)

// StageOrder is the canonical pipeline sequence. A1 uses it to find the
// immediately preceding stage for a running agent.
var StageOrder = []Stage{
	StageImplementation,
	StageQuality,
	StageTesting,
	StageSecurity,
	StageIntegration,
}

// Previous returns the stage immediately before s in the pipeline, or ""
// when s is the first stage or unknown.
func (s Stage) Previous() Stage {
	for i, st := range StageOrder {
		if st == s {
			if i == 0 {
				return ""
			}
			return StageOrder[i-1]
		}
	}
	return ""
}

// PodPhase mirrors the orchestration platform's unit phases.
type PodPhase string

const (
	PhasePending   PodPhase = "Pending"
	PhaseRunning   PodPhase = "Running"
	PhaseSucceeded PodPhase = "Succeeded"
	PhaseFailed    PodPhase = "Failed"
)

// Terminal reports whether the phase means the unit has finished.
func (p PodPhase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// ContainerStatus is the last known state of one container in a unit.
type ContainerStatus struct {
	Name         string `json:"name"`
	Terminated   bool   `json:"terminated"`
	ExitCode     int32  `json:"exit_code"`
	Reason       string `json:"reason,omitempty"`
	RestartCount int32  `json:"restart_count"`
}

// PodSnapshot is the last known state of the execution unit currently tied
// to a work item. Superseded snapshots are discarded; rules only ever see
// the latest one.
type PodSnapshot struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	Phase      PodPhase          `json:"phase"`
	AgentRole  Stage             `json:"agent_role"`
	Workflow   string            `json:"workflow,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Containers []ContainerStatus `json:"containers"`
	StartedAt  time.Time         `json:"started_at"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Restarts sums restart counts across all containers.
func (p *PodSnapshot) Restarts() int32 {
	var n int32
	for _, c := range p.Containers {
		n += c.RestartCount
	}
	return n
}

// Classification buckets a PR comment by what it means for the pipeline.
type Classification string

const (
	ClassApproval      Classification = "approval"
	ClassActionable    Classification = "actionable-feedback"
	ClassInformational Classification = "informational"
)

// CommentRecord is one observed comment on the tracked PR. Records are
// append-only per work item; insertion order is significant.
type CommentRecord struct {
	ID             int64          `json:"id"`
	Author         string         `json:"author"`
	CreatedAt      time.Time      `json:"created_at"`
	BodyExcerpt    string         `json:"body_excerpt"`
	Classification Classification `json:"classification"`
}

// CheckResult is one CI check outcome observed on the PR.
type CheckResult struct {
	Name        string    `json:"name"`
	Conclusion  string    `json:"conclusion"` // success | failure | cancelled | skipped | ""
	CompletedAt time.Time `json:"completed_at"`
}

// Review is a PR review summary.
type Review struct {
	Author string `json:"author"`
	State  string `json:"state"`
}

// PRState is the fused view of the pull request built by the poller.
// Mergeable is nil while GitHub is still recomputing mergeability after a
// push; rules treat nil as unknown, never as false.
type PRState struct {
	Number     int           `json:"number"`
	Mergeable  *bool         `json:"mergeable,omitempty"`
	MergeState string        `json:"merge_state"`
	Checks     []CheckResult `json:"checks"`
	Reviews    []Review      `json:"reviews"`
	PolledAt   time.Time     `json:"polled_at"`
}

// WorkItem is the correlation unit for one tracked task across its whole
// pipeline lifetime. Owned exclusively by the state store.
type WorkItem struct {
	TaskID       string          `json:"task_id"`
	Repository   string          `json:"repository,omitempty"`
	PRNumber     int             `json:"pr_number,omitempty"`
	CurrentStage Stage           `json:"current_stage,omitempty"`
	StageSince   time.Time       `json:"stage_since,omitempty"`
	PodFirstSeen time.Time       `json:"pod_first_seen,omitempty"`
	Terminal     bool            `json:"terminal"`
	LastUpdated  time.Time       `json:"last_updated_at"`
	Pod          *PodSnapshot    `json:"pod,omitempty"`
	Comments     []CommentRecord `json:"comments,omitempty"`
	PR           *PRState        `json:"pr,omitempty"`
}

// AlertKind identifies one detection rule. The short codes match the
// platform's published rule set and are stable wire identifiers.
type AlertKind string

const (
	AlertOrderMismatch  AlertKind = "A1"
	AlertSilentFailure  AlertKind = "A2"
	AlertStaleProgress  AlertKind = "A3"
	AlertApprovalLoop   AlertKind = "A4"
	AlertPostApprovalCI AlertKind = "A5"
	AlertPodFailure     AlertKind = "A7"
	AlertStepTimeout    AlertKind = "A8"
	AlertStuckUnit      AlertKind = "A9"
)

// Name returns a human-readable rule name.
func (k AlertKind) Name() string {
	switch k {
	case AlertOrderMismatch:
		return "Agent Comment Order Mismatch"
	case AlertSilentFailure:
		return "Silent Agent Failure"
	case AlertStaleProgress:
		return "Stale Progress"
	case AlertApprovalLoop:
		return "Repeated Approval Loop"
	case AlertPostApprovalCI:
		return "Post-Approval CI/Merge Failure"
	case AlertPodFailure:
		return "Unit Failure"
	case AlertStepTimeout:
		return "Step Timeout"
	case AlertStuckUnit:
		return "Stuck Unit"
	default:
		return string(k)
	}
}

// Alert is one detected anomaly on an in-progress work item.
type Alert struct {
	Kind       AlertKind         `json:"kind"`
	TaskID     string            `json:"task_id"`
	DetectedAt time.Time         `json:"detected_at"`
	Message    string            `json:"message"`
	Evidence   map[string]string `json:"evidence,omitempty"`
	DedupeKey  string            `json:"dedupe_key"`
}

// CheckKind identifies one completion check run against a terminated unit.
type CheckKind string

const (
	CheckPRCreated   CheckKind = "C1"
	CheckLintClean   CheckKind = "C2"
	CheckTestsPassed CheckKind = "C3"
	CheckScanClean   CheckKind = "C4"
	CheckMergeDone   CheckKind = "C5"
	CheckCleanExit   CheckKind = "C6"
)

// Finding is the result of one completion check against archived output.
// Only failing findings are ever dispatched.
type Finding struct {
	Kind            CheckKind         `json:"kind"`
	TaskID          string            `json:"task_id"`
	UnitName        string            `json:"unit_name"`
	AgentRole       Stage             `json:"agent_role"`
	ExpectedPattern string            `json:"expected_pattern"`
	Observed        map[string]string `json:"observed,omitempty"`
	Passed          bool              `json:"passed"`
	CheckedAt       time.Time         `json:"checked_at"`
	DedupeKey       string            `json:"dedupe_key"`
}

// SubmissionStatus is the outcome of one remediation submission attempt.
type SubmissionStatus string

const (
	StatusSubmitted    SubmissionStatus = "submitted"
	StatusAcknowledged SubmissionStatus = "acknowledged"
	StatusFailed       SubmissionStatus = "failed-to-submit"
)

// SourceKind distinguishes alert-sourced from completion-sourced tasks.
type SourceKind string

const (
	SourceAlert      SourceKind = "alert"
	SourceCompletion SourceKind = "completion"
)

// RemediationTask is the append-only audit record of one dispatched
// diagnosis-and-fix request. Never mutated after submission.
type RemediationTask struct {
	IssueID   string            `json:"issue_id"`
	Source    SourceKind        `json:"source"`
	Kind      string            `json:"kind"`
	TaskID    string            `json:"task_id"`
	Evidence  map[string]string `json:"evidence,omitempty"`
	LogRef    string            `json:"archived_log_ref,omitempty"`
	Status    SubmissionStatus  `json:"status"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DedupeKey derives the stable identifier that prevents duplicate
// remediation for the same underlying problem. It depends only on external
// identifiers so it survives restarts.
func DedupeKey(kind, taskID, discriminant string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", kind, taskID, discriminant)))
	return hex.EncodeToString(sum[:])[:16]
}
