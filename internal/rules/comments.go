package rules

import (
	"fmt"
	"strconv"

	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// evalOrderMismatch detects a running stage whose immediately preceding
// stage never posted an approval or completion comment on the PR: the
// hand-off happened without the usual evidence trail.
func evalOrderMismatch(in Input) []model.Alert {
	pod := in.Item.Pod
	if pod == nil || pod.Phase != model.PhaseRunning {
		return nil
	}

	prev := pod.AgentRole.Previous()
	if prev == "" {
		return nil // first stage, nothing to hand off from
	}

	for _, c := range in.Item.Comments {
		if c.Classification != model.ClassApproval {
			continue
		}
		if in.Config.AuthorMatchesStage(c.Author, prev) {
			return nil
		}
	}

	return []model.Alert{alert(
		model.AlertOrderMismatch,
		in.Item.TaskID,
		string(prev)+"->"+string(pod.AgentRole),
		fmt.Sprintf("stage %s is running but no approval from preceding stage %s", pod.AgentRole, prev),
		map[string]string{
			"pod_name":       pod.Name,
			"current_stage":  string(pod.AgentRole),
			"expected_prior": string(prev),
			"comment_count":  strconv.Itoa(len(in.Item.Comments)),
		},
	)}
}

// evalStaleProgress detects a running stage whose PR has gone quiet for
// longer than the configured threshold. No comments at all means the rule
// has no data and does not fire.
func evalStaleProgress(in Input) []model.Alert {
	pod := in.Item.Pod
	if pod == nil || pod.Phase != model.PhaseRunning {
		return nil
	}
	if len(in.Item.Comments) == 0 {
		return nil
	}

	last := in.Item.Comments[len(in.Item.Comments)-1]
	elapsed := in.Now.Sub(last.CreatedAt)
	if elapsed <= in.Config.StaleProgressThreshold {
		return nil
	}

	return []model.Alert{alert(
		model.AlertStaleProgress,
		in.Item.TaskID,
		pod.Name,
		fmt.Sprintf("no PR activity for %d minutes while %s is running", int(elapsed.Minutes()), pod.AgentRole),
		map[string]string{
			"pod_name":          pod.Name,
			"last_comment_by":   last.Author,
			"elapsed_minutes":   strconv.Itoa(int(elapsed.Minutes())),
			"threshold_minutes": strconv.Itoa(int(in.Config.StaleProgressThreshold.Minutes())),
		},
	)}
}

// evalApprovalLoop detects the same author posting repeated approval
// comments without a stage transition in between: the pipeline is looping
// instead of advancing. Only comments since the current stage began count.
func evalApprovalLoop(in Input) []model.Alert {
	counts := make(map[string]int)
	for _, c := range in.Item.Comments {
		if c.Classification != model.ClassApproval {
			continue
		}
		if !in.Item.StageSince.IsZero() && c.CreatedAt.Before(in.Item.StageSince) {
			continue // an intervening stage transition resets the count
		}
		counts[c.Author]++
	}

	var alerts []model.Alert
	for author, n := range counts {
		if n <= in.Config.ApprovalLoopThreshold {
			continue
		}
		alerts = append(alerts, alert(
			model.AlertApprovalLoop,
			in.Item.TaskID,
			author,
			fmt.Sprintf("%s has posted %d approvals without a stage transition", author, n),
			map[string]string{
				"author":         author,
				"approval_count": strconv.Itoa(n),
				"threshold":      strconv.Itoa(in.Config.ApprovalLoopThreshold),
			},
		))
	}
	return alerts
}
