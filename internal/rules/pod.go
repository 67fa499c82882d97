package rules

import (
	"fmt"
	"strconv"
	"time"

	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// evalSilentFailure detects a container that terminated with a non-zero
// exit code while the pod is still Running. Sidecars keep the pod alive
// after the agent process dies, so the platform never reports a failure.
func evalSilentFailure(in Input) []model.Alert {
	pod := in.Item.Pod
	if pod == nil || pod.Phase != model.PhaseRunning {
		return nil
	}

	var alerts []model.Alert
	for _, c := range pod.Containers {
		if !c.Terminated || c.ExitCode == 0 {
			continue
		}
		alerts = append(alerts, alert(
			model.AlertSilentFailure,
			in.Item.TaskID,
			WorkflowFamily(pod.Name)+"/"+c.Name,
			fmt.Sprintf("container %q terminated with exit code %d but pod still Running", c.Name, c.ExitCode),
			map[string]string{
				"pod_name":       pod.Name,
				"container_name": c.Name,
				"exit_code":      strconv.Itoa(int(c.ExitCode)),
				"reason":         c.Reason,
				"pod_phase":      string(pod.Phase),
			},
		))
	}
	return alerts
}

// evalPodFailure detects a pod in Failed phase or a crash loop (restart
// count over the configured threshold). Infrastructure pods are excluded.
func evalPodFailure(in Input) []model.Alert {
	pod := in.Item.Pod
	if pod == nil || Excluded(pod) {
		return nil
	}

	restarts := pod.Restarts()
	crashLoop := int(restarts) > in.Config.RestartThreshold
	if pod.Phase != model.PhaseFailed && !crashLoop {
		return nil
	}

	msg := fmt.Sprintf("pod %s failed with phase %s", pod.Name, pod.Phase)
	if crashLoop {
		msg = fmt.Sprintf("pod %s in crash loop (%d restarts)", pod.Name, restarts)
	}

	return []model.Alert{alert(
		model.AlertPodFailure,
		in.Item.TaskID,
		WorkflowFamily(pod.Name),
		msg,
		map[string]string{
			"pod_name":      pod.Name,
			"phase":         string(pod.Phase),
			"restart_count": strconv.Itoa(int(restarts)),
			"agent_role":    string(pod.AgentRole),
		},
	)}
}

// evalStepTimeout detects a running stage that has exceeded its per-role
// timeout. Roles without a table entry never fire.
func evalStepTimeout(in Input) []model.Alert {
	pod := in.Item.Pod
	if pod == nil || Excluded(pod) || pod.Phase != model.PhaseRunning {
		return nil
	}
	if pod.StartedAt.IsZero() {
		return nil
	}

	timeout := in.Config.StepTimeouts.ForRole(pod.AgentRole)
	if timeout <= 0 {
		return nil
	}

	elapsed := in.Now.Sub(pod.StartedAt)
	if elapsed <= timeout {
		return nil
	}

	return []model.Alert{alert(
		model.AlertStepTimeout,
		in.Item.TaskID,
		WorkflowFamily(pod.Name),
		fmt.Sprintf("stage %s has been running %s, over its %s limit", pod.AgentRole, elapsed.Round(time.Second), timeout),
		map[string]string{
			"pod_name":        pod.Name,
			"agent_role":      string(pod.AgentRole),
			"elapsed_minutes": strconv.Itoa(int(elapsed.Minutes())),
			"timeout_minutes": strconv.Itoa(int(timeout.Minutes())),
		},
	)}
}

// evalStuckUnit detects a unit sitting in a non-terminal phase longer than
// the stuck threshold, measured from when the unit was first observed.
// Catches units that never start as well as agents that stop progressing
// without exiting.
func evalStuckUnit(in Input) []model.Alert {
	pod := in.Item.Pod
	if pod == nil || Excluded(pod) || pod.Phase.Terminal() {
		return nil
	}
	if in.Config.StuckUnitThreshold <= 0 || in.Item.PodFirstSeen.IsZero() {
		return nil
	}

	elapsed := in.Now.Sub(in.Item.PodFirstSeen)
	if elapsed <= in.Config.StuckUnitThreshold {
		return nil
	}

	return []model.Alert{alert(
		model.AlertStuckUnit,
		in.Item.TaskID,
		WorkflowFamily(pod.Name),
		fmt.Sprintf("unit %s has been in %s for %d minutes without completing", pod.Name, pod.Phase, int(elapsed.Minutes())),
		map[string]string{
			"pod_name":          pod.Name,
			"phase":             string(pod.Phase),
			"agent_role":        string(pod.AgentRole),
			"elapsed_minutes":   strconv.Itoa(int(elapsed.Minutes())),
			"threshold_minutes": strconv.Itoa(int(in.Config.StuckUnitThreshold.Minutes())),
		},
	)}
}
