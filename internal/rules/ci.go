package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// gatekeeperStage is the stage whose approval gates the merge. A post-
// approval regression means either the gate approved incorrectly or
// something broke afterwards.
const gatekeeperStage = model.StageTesting

// evalPostApprovalCI detects a merge-blocking condition that appeared
// after the gatekeeper's approval: the PR became unmergeable, or a CI
// check failed with a completion timestamp later than the approval.
func evalPostApprovalCI(in Input) []model.Alert {
	pr := in.Item.PR
	if pr == nil {
		return nil
	}

	approvedAt, ok := latestGatekeeperApproval(in)
	if !ok {
		return nil // failures before the gate are expected churn
	}

	var failed []string
	for _, c := range pr.Checks {
		if c.Conclusion != "failure" {
			continue
		}
		if c.CompletedAt.After(approvedAt) {
			failed = append(failed, c.Name)
		}
	}

	// Mergeable is nil while GitHub recomputes after a push; that window
	// must not read as unmergeable.
	dirty := strings.EqualFold(pr.MergeState, "dirty")
	if pr.Mergeable != nil && !*pr.Mergeable {
		dirty = true
	}
	if len(failed) == 0 && !dirty {
		return nil
	}

	msg := fmt.Sprintf("%d CI checks failing after %s approval", len(failed), gatekeeperStage)
	if len(failed) == 0 {
		msg = fmt.Sprintf("PR unmergeable (%s) after %s approval", pr.MergeState, gatekeeperStage)
	}

	mergeable := "unknown"
	if pr.Mergeable != nil {
		mergeable = strconv.FormatBool(*pr.Mergeable)
	}

	return []model.Alert{alert(
		model.AlertPostApprovalCI,
		in.Item.TaskID,
		"post-approval",
		msg,
		map[string]string{
			"failed_checks": strings.Join(failed, ", "),
			"failed_count":  strconv.Itoa(len(failed)),
			"mergeable":     mergeable,
			"merge_state":   pr.MergeState,
			"approved_at":   approvedAt.Format(time.RFC3339),
		},
	)}
}

func latestGatekeeperApproval(in Input) (time.Time, bool) {
	var at time.Time
	found := false
	for _, c := range in.Item.Comments {
		if c.Classification != model.ClassApproval {
			continue
		}
		if !in.Config.AuthorMatchesStage(c.Author, gatekeeperStage) {
			continue
		}
		if c.CreatedAt.After(at) {
			at = c.CreatedAt
			found = true
		}
	}
	return at, found
}
