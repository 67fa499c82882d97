package rules

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func input(item model.WorkItem) Input {
	return Input{Item: item, Now: now, Config: DefaultConfig()}
}

func runningPod(role model.Stage) *model.PodSnapshot {
	return &model.PodSnapshot{
		Name:      "agent-" + string(role) + "-abc",
		Namespace: "agent-platform",
		Phase:     model.PhaseRunning,
		AgentRole: role,
		Labels:    map[string]string{"task-id": "task-1"},
		StartedAt: now.Add(-5 * time.Minute),
	}
}

func TestSilentFailure(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	item.Pod.Containers = []model.ContainerStatus{
		{Name: "agent", Terminated: true, ExitCode: 137, Reason: "OOMKilled"},
		{Name: "docker-sidecar", Terminated: false},
	}

	alerts := evalSilentFailure(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "agent", alerts[0].Evidence["container_name"])
	assert.Equal(t, "137", alerts[0].Evidence["exit_code"])
	assert.Equal(t, "OOMKilled", alerts[0].Evidence["reason"])
	assert.Equal(t, item.Pod.Name, alerts[0].Evidence["pod_name"])
}

func TestSilentFailureCleanExit(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	item.Pod.Containers = []model.ContainerStatus{
		{Name: "agent", Terminated: true, ExitCode: 0},
	}
	assert.Empty(t, evalSilentFailure(input(item)))
}

func TestSilentFailureOnlyWhileRunning(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	item.Pod.Phase = model.PhaseSucceeded
	item.Pod.Containers = []model.ContainerStatus{
		{Name: "agent", Terminated: true, ExitCode: 1},
	}
	assert.Empty(t, evalSilentFailure(input(item)))
}

func TestPodFailureFailedPhase(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageTesting)}
	item.Pod.Phase = model.PhaseFailed

	alerts := evalPodFailure(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "Failed", alerts[0].Evidence["phase"])
}

func TestPodFailureCrashLoop(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageTesting)}
	item.Pod.Containers = []model.ContainerStatus{{Name: "agent", RestartCount: 4}}

	alerts := evalPodFailure(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "4", alerts[0].Evidence["restart_count"])

	item.Pod.Containers[0].RestartCount = 3
	assert.Empty(t, evalPodFailure(input(item)))
}

func TestPodFailureExcludesInfrastructure(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageTesting)}
	item.Pod.Name = "event-cleaner-xyz"
	item.Pod.Phase = model.PhaseFailed
	assert.Empty(t, evalPodFailure(input(item)))

	item.Pod.Name = "agent-testing-abc"
	item.Pod.Labels[ExcludeLabel] = "true"
	assert.Empty(t, evalPodFailure(input(item)))
}

func TestStepTimeout(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageQuality)}
	item.Pod.StartedAt = now.Add(-16 * time.Minute) // quality limit is 15m

	alerts := evalStepTimeout(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "quality", alerts[0].Evidence["agent_role"])
	assert.Equal(t, "16", alerts[0].Evidence["elapsed_minutes"])
	assert.Equal(t, "15", alerts[0].Evidence["timeout_minutes"])
}

func TestStepTimeoutWithinLimit(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	item.Pod.StartedAt = now.Add(-44 * time.Minute) // implementation limit is 45m
	assert.Empty(t, evalStepTimeout(input(item)))
}

func TestStepTimeoutNoTableEntry(t *testing.T) {
	in := input(model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageQuality)})
	in.Item.Pod.StartedAt = now.Add(-10 * time.Hour)
	in.Config.StepTimeouts.Quality = 0
	assert.Empty(t, evalStepTimeout(in))
}

func TestOrderMismatch(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageQuality)}

	alerts := evalOrderMismatch(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "implementation", alerts[0].Evidence["expected_prior"])
	assert.Equal(t, "quality", alerts[0].Evidence["current_stage"])
}

func TestOrderMismatchSatisfiedByPriorApproval(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageQuality)}
	item.Comments = []model.CommentRecord{
		{ID: 1, Author: "implementation-agent[bot]", Classification: model.ClassApproval},
	}
	assert.Empty(t, evalOrderMismatch(input(item)))
}

func TestOrderMismatchFirstStage(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	assert.Empty(t, evalOrderMismatch(input(item)))
}

func TestStaleProgress(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageTesting)}
	item.Comments = []model.CommentRecord{
		{ID: 1, Author: "quality-agent", CreatedAt: now.Add(-20 * time.Minute)},
	}

	alerts := evalStaleProgress(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "quality-agent", alerts[0].Evidence["last_comment_by"])
	assert.Equal(t, "20", alerts[0].Evidence["elapsed_minutes"])
}

func TestStaleProgressRequiresComments(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageTesting)}
	assert.Empty(t, evalStaleProgress(input(item)))

	item.Comments = []model.CommentRecord{{ID: 1, CreatedAt: now.Add(-5 * time.Minute)}}
	assert.Empty(t, evalStaleProgress(input(item)))
}

func TestApprovalLoop(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", StageSince: now.Add(-time.Hour)}
	for i := 0; i < 3; i++ {
		item.Comments = append(item.Comments, model.CommentRecord{
			ID:             int64(i),
			Author:         "quality-agent",
			CreatedAt:      now.Add(-time.Duration(30-i) * time.Minute),
			Classification: model.ClassApproval,
		})
	}

	alerts := evalApprovalLoop(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "quality-agent", alerts[0].Evidence["author"])
	assert.Equal(t, "3", alerts[0].Evidence["approval_count"])
}

func TestApprovalLoopUnderThreshold(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", StageSince: now.Add(-time.Hour)}
	for i := 0; i < 2; i++ {
		item.Comments = append(item.Comments, model.CommentRecord{
			ID: int64(i), Author: "quality-agent",
			CreatedAt:      now.Add(-10 * time.Minute),
			Classification: model.ClassApproval,
		})
	}
	assert.Empty(t, evalApprovalLoop(input(item)))
}

func TestApprovalLoopResetByStageTransition(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", StageSince: now.Add(-5 * time.Minute)}
	for i := 0; i < 5; i++ {
		item.Comments = append(item.Comments, model.CommentRecord{
			ID: int64(i), Author: "quality-agent",
			CreatedAt:      now.Add(-time.Hour), // all before the transition
			Classification: model.ClassApproval,
		})
	}
	assert.Empty(t, evalApprovalLoop(input(item)))
}

func boolPtr(b bool) *bool { return &b }

func mergeablePR(checks ...model.CheckResult) *model.PRState {
	return &model.PRState{Number: 7, Mergeable: boolPtr(true), MergeState: "clean", Checks: checks}
}

func testingApproval(at time.Time) model.CommentRecord {
	return model.CommentRecord{ID: 99, Author: "testing-agent", CreatedAt: at, Classification: model.ClassApproval}
}

func TestPostApprovalCIFailure(t *testing.T) {
	approvedAt := now.Add(-30 * time.Minute)
	item := model.WorkItem{
		TaskID:   "task-1",
		Comments: []model.CommentRecord{testingApproval(approvedAt)},
		PR: mergeablePR(
			model.CheckResult{Name: "unit-tests", Conclusion: "failure", CompletedAt: approvedAt.Add(10 * time.Minute)},
			model.CheckResult{Name: "lint", Conclusion: "success", CompletedAt: approvedAt.Add(10 * time.Minute)},
		),
	}

	alerts := evalPostApprovalCI(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "unit-tests", alerts[0].Evidence["failed_checks"])
	assert.Equal(t, "1", alerts[0].Evidence["failed_count"])
}

func TestPostApprovalCIIgnoresPreApprovalFailures(t *testing.T) {
	approvedAt := now.Add(-30 * time.Minute)
	item := model.WorkItem{
		TaskID:   "task-1",
		Comments: []model.CommentRecord{testingApproval(approvedAt)},
		PR: mergeablePR(
			model.CheckResult{Name: "unit-tests", Conclusion: "failure", CompletedAt: approvedAt.Add(-10 * time.Minute)},
		),
	}
	assert.Empty(t, evalPostApprovalCI(input(item)))
}

func TestPostApprovalCIRequiresGatekeeperApproval(t *testing.T) {
	item := model.WorkItem{
		TaskID: "task-1",
		PR: mergeablePR(
			model.CheckResult{Name: "unit-tests", Conclusion: "failure", CompletedAt: now},
		),
	}
	assert.Empty(t, evalPostApprovalCI(input(item)))
}

func TestPostApprovalUnmergeable(t *testing.T) {
	item := model.WorkItem{
		TaskID:   "task-1",
		Comments: []model.CommentRecord{testingApproval(now.Add(-time.Hour))},
		PR:       &model.PRState{Number: 7, Mergeable: boolPtr(false), MergeState: "dirty"},
	}

	alerts := evalPostApprovalCI(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "dirty", alerts[0].Evidence["merge_state"])
}

func TestPostApprovalMergeabilityUnknownDoesNotFire(t *testing.T) {
	item := model.WorkItem{
		TaskID:   "task-1",
		Comments: []model.CommentRecord{testingApproval(now.Add(-time.Hour))},
		PR:       &model.PRState{Number: 7, Mergeable: nil, MergeState: "unknown"},
	}
	assert.Empty(t, evalPostApprovalCI(input(item)))
}

func TestEvaluatorStampsAlerts(t *testing.T) {
	ev := NewEvaluator(DefaultConfig(), zerolog.Nop())

	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	item.Pod.Containers = []model.ContainerStatus{
		{Name: "agent", Terminated: true, ExitCode: 2},
	}

	alerts := ev.Evaluate(item, now)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertSilentFailure, alerts[0].Kind)
	assert.Equal(t, "task-1", alerts[0].TaskID)
	assert.Equal(t, now, alerts[0].DetectedAt)
	assert.NotEmpty(t, alerts[0].DedupeKey)
}

func TestEvaluatorDeterministic(t *testing.T) {
	ev := NewEvaluator(DefaultConfig(), zerolog.Nop())
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageQuality)}

	a := ev.Evaluate(item, now)
	b := ev.Evaluate(item, now)
	assert.Equal(t, a, b)
}

func TestAuthorMatchesStage(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.AuthorMatchesStage("Quality-Agent[bot]", model.StageQuality))
	assert.True(t, cfg.AuthorMatchesStage("agent-testing", model.StageTesting))
	assert.False(t, cfg.AuthorMatchesStage("random-user", model.StageQuality))
}

func TestWorkflowFamily(t *testing.T) {
	cases := map[string]string{
		"play-task-4-impl-abc12":  "play-task-4",
		"play-task-17-quality-x9": "play-task-17",
		"cto-tools-67db5-hn8xh":   "cto-tools",
		"event-cleaner-29aa1":     "event-cleaner",
		"standalone":              "standalone",
	}
	for name, want := range cases {
		assert.Equal(t, want, WorkflowFamily(name), name)
	}
}

func TestReplacementPodSharesDedupeKey(t *testing.T) {
	ev := NewEvaluator(DefaultConfig(), zerolog.Nop())

	failed := func(podName string) model.WorkItem {
		return model.WorkItem{
			TaskID: "task-4",
			Pod: &model.PodSnapshot{
				Name:      podName,
				Phase:     model.PhaseFailed,
				AgentRole: model.StageImplementation,
			},
		}
	}

	a := ev.Evaluate(failed("play-task-4-impl-abc12"), now)
	b := ev.Evaluate(failed("play-task-4-impl-zz999"), now)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].DedupeKey, b[0].DedupeKey)
}

func TestStuckUnitPendingBeyondThreshold(t *testing.T) {
	pod := runningPod(model.StageImplementation)
	pod.Phase = model.PhasePending
	item := model.WorkItem{
		TaskID:       "task-1",
		Pod:          pod,
		PodFirstSeen: now.Add(-2 * time.Hour),
	}

	alerts := evalStuckUnit(input(item))
	require.Len(t, alerts, 1)
	assert.Equal(t, "Pending", alerts[0].Evidence["phase"])
	assert.Equal(t, "120", alerts[0].Evidence["elapsed_minutes"])
}

func TestStuckUnitWithinThreshold(t *testing.T) {
	item := model.WorkItem{
		TaskID:       "task-1",
		Pod:          runningPod(model.StageImplementation),
		PodFirstSeen: now.Add(-30 * time.Minute),
	}
	assert.Empty(t, evalStuckUnit(input(item)))
}

func TestStuckUnitRequiresFirstSeen(t *testing.T) {
	item := model.WorkItem{TaskID: "task-1", Pod: runningPod(model.StageImplementation)}
	assert.Empty(t, evalStuckUnit(input(item)))
}

func TestStuckUnitIgnoresTerminalPhases(t *testing.T) {
	pod := runningPod(model.StageImplementation)
	pod.Phase = model.PhaseSucceeded
	item := model.WorkItem{
		TaskID:       "task-1",
		Pod:          pod,
		PodFirstSeen: now.Add(-2 * time.Hour),
	}
	assert.Empty(t, evalStuckUnit(input(item)))
}
