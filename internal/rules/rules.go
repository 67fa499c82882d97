// Package rules implements the detection rule set. Each rule is a pure
// function of a work item snapshot; the registry runs them all and collects
// alerts. Missing precondition data is always a "rule does not fire"
// outcome, never an error.
package rules

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/config"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// ExcludeLabel opts a pod out of sentinel monitoring entirely.
const ExcludeLabel = "sentinel.platform/exclude"

// Infrastructure pods restart during deployments and must not trigger
// unit-failure or timeout alerts.
var excludedPrefixes = []string{
	"sentinel",
	"cto-tools",
	"cto-controller",
	"event-cleaner",
	"workspace-pvc-cleaner",
}

// Excluded reports whether a pod is out of scope for failure rules.
func Excluded(pod *model.PodSnapshot) bool {
	if pod == nil {
		return true
	}
	if pod.Labels[ExcludeLabel] == "true" {
		return true
	}
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(pod.Name, prefix) {
			return true
		}
	}
	return false
}

// WorkflowFamily groups pod names belonging to the same workflow run.
// Replacement pods get fresh hash suffixes from the scheduler, so dedupe
// discriminants use the family rather than the raw name.
//
// "play-task-4-impl-abc12" -> "play-task-4", "cto-tools-67db5-hn8xh" -> "cto-tools".
func WorkflowFamily(podName string) string {
	parts := strings.Split(podName, "-")
	if strings.HasPrefix(podName, "play-task-") && len(parts) >= 3 {
		return strings.Join(parts[:3], "-")
	}
	if len(parts) >= 2 {
		return strings.Join(parts[:2], "-")
	}
	return podName
}

// Config holds the rule thresholds. All values come from configuration,
// never hardcoded in the rules themselves.
type Config struct {
	StaleProgressThreshold time.Duration
	ApprovalLoopThreshold  int
	RestartThreshold       int
	StuckUnitThreshold     time.Duration
	StepTimeouts           config.StepTimeouts

	// StageAuthors maps each pipeline stage to the comment-author aliases
	// that identify its agent. Matching is case-insensitive substring.
	StageAuthors map[model.Stage][]string
}

// DefaultConfig returns rule thresholds matching the platform defaults.
func DefaultConfig() Config {
	return Config{
		StaleProgressThreshold: 15 * time.Minute,
		ApprovalLoopThreshold:  2,
		RestartThreshold:       3,
		StuckUnitThreshold:     90 * time.Minute,
		StepTimeouts:           config.DefaultStepTimeouts(),
		StageAuthors:           DefaultStageAuthors(),
	}
}

// DefaultStageAuthors identifies each stage's agent by the stage name
// appearing in the comment author.
func DefaultStageAuthors() map[model.Stage][]string {
	m := make(map[model.Stage][]string, len(model.StageOrder))
	for _, st := range model.StageOrder {
		m[st] = []string{string(st)}
	}
	return m
}

// AuthorMatchesStage reports whether a comment author belongs to a stage's
// agent, per the configured aliases.
func (c Config) AuthorMatchesStage(author string, stage model.Stage) bool {
	lower := strings.ToLower(author)
	for _, alias := range c.StageAuthors[stage] {
		if strings.Contains(lower, strings.ToLower(alias)) {
			return true
		}
	}
	return false
}

// Input is everything a rule may look at. It is a snapshot: rules never
// perform I/O and never mutate it.
type Input struct {
	Item   model.WorkItem
	Now    time.Time
	Config Config
}

// Rule pairs an alert kind with its evaluation function. The rule set is a
// closed table; adding a rule is an additive change to Registry.
type Rule struct {
	Kind     model.AlertKind
	Evaluate func(in Input) []model.Alert
}

// Registry returns the full rule table.
func Registry() []Rule {
	return []Rule{
		{Kind: model.AlertOrderMismatch, Evaluate: evalOrderMismatch},
		{Kind: model.AlertSilentFailure, Evaluate: evalSilentFailure},
		{Kind: model.AlertStaleProgress, Evaluate: evalStaleProgress},
		{Kind: model.AlertApprovalLoop, Evaluate: evalApprovalLoop},
		{Kind: model.AlertPostApprovalCI, Evaluate: evalPostApprovalCI},
		{Kind: model.AlertPodFailure, Evaluate: evalPodFailure},
		{Kind: model.AlertStepTimeout, Evaluate: evalStepTimeout},
		{Kind: model.AlertStuckUnit, Evaluate: evalStuckUnit},
	}
}

// Evaluator runs the rule table against work item snapshots.
type Evaluator struct {
	rules  []Rule
	cfg    Config
	logger zerolog.Logger
}

// NewEvaluator creates an evaluator over the full registry.
func NewEvaluator(cfg Config, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		rules:  Registry(),
		cfg:    cfg,
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// Evaluate runs every rule against the snapshot and returns all alerts.
// Synchronous, deterministic, no I/O.
func (e *Evaluator) Evaluate(item model.WorkItem, now time.Time) []model.Alert {
	in := Input{Item: item, Now: now, Config: e.cfg}
	var alerts []model.Alert
	for _, r := range e.rules {
		fired := r.Evaluate(in)
		for i := range fired {
			fired[i].Kind = r.Kind
			fired[i].TaskID = item.TaskID
			fired[i].DetectedAt = now
		}
		alerts = append(alerts, fired...)
	}
	if len(alerts) > 0 {
		e.logger.Debug().
			Str("task_id", item.TaskID).
			Int("alerts", len(alerts)).
			Msg("rules fired")
	}
	return alerts
}

func alert(kind model.AlertKind, taskID, discriminant, message string, evidence map[string]string) model.Alert {
	return model.Alert{
		Kind:      kind,
		TaskID:    taskID,
		Message:   message,
		Evidence:  evidence,
		DedupeKey: model.DedupeKey(string(kind), taskID, discriminant),
	}
}
