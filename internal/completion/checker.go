// Package completion inspects a successfully terminated unit's archived
// output against agent-specific expectation patterns. It runs only after
// the archiver has confirmed the logs are durably stored.
package completion

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// Check is one expectation over a terminated unit. Roles scopes the check;
// empty means every role.
type Check struct {
	Kind     model.CheckKind
	Roles    []model.Stage
	Expected string
	Passed   func(snap model.PodSnapshot, logs string) bool
}

var (
	prURLPattern    = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)
	testPassPattern = regexp.MustCompile(`(?i)(all tests passed|\d+ passed, 0 failed|ok\s+\S+\s+[\d.]+s)`)
	testFailPattern = regexp.MustCompile(`(?i)(tests? failed|FAIL\b|[1-9]\d* failed)`)
	lintWarnPattern = regexp.MustCompile(`(?im)^.*warning:.*$`)
	scanVulnPattern = regexp.MustCompile(`(?i)(critical|high) (severity|vulnerability)`)
	mergedPattern   = regexp.MustCompile(`(?i)merged pull request|merge complete|successfully merged`)
)

// Registry returns the closed completion-check table.
func Registry() []Check {
	return []Check{
		{
			Kind:     model.CheckPRCreated,
			Roles:    []model.Stage{model.StageImplementation},
			Expected: "a pull request URL in the unit output",
			Passed: func(_ model.PodSnapshot, logs string) bool {
				return prURLPattern.MatchString(logs)
			},
		},
		{
			Kind:     model.CheckLintClean,
			Roles:    []model.Stage{model.StageQuality},
			Expected: "zero lint warnings in the unit output",
			Passed: func(_ model.PodSnapshot, logs string) bool {
				return !lintWarnPattern.MatchString(logs)
			},
		},
		{
			Kind:     model.CheckTestsPassed,
			Roles:    []model.Stage{model.StageTesting},
			Expected: "a passing test summary and no failure markers",
			Passed: func(_ model.PodSnapshot, logs string) bool {
				return testPassPattern.MatchString(logs) && !testFailPattern.MatchString(logs)
			},
		},
		{
			Kind:     model.CheckScanClean,
			Roles:    []model.Stage{model.StageSecurity},
			Expected: "no critical or high severity findings in the scan output",
			Passed: func(_ model.PodSnapshot, logs string) bool {
				return !scanVulnPattern.MatchString(logs)
			},
		},
		{
			Kind:     model.CheckMergeDone,
			Roles:    []model.Stage{model.StageIntegration},
			Expected: "merge confirmation in the unit output",
			Passed: func(_ model.PodSnapshot, logs string) bool {
				return mergedPattern.MatchString(logs)
			},
		},
		{
			Kind:     model.CheckCleanExit,
			Expected: "agent container exited with code 0",
			Passed: func(snap model.PodSnapshot, _ string) bool {
				for _, c := range snap.Containers {
					if strings.Contains(c.Name, "docker") {
						continue
					}
					if c.Terminated && c.ExitCode != 0 {
						return false
					}
				}
				return true
			},
		},
	}
}

// Checker runs the table against terminated units.
type Checker struct {
	checks       []Check
	behaviorsDir string
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// New creates a checker. behaviorsDir may be empty; when set, each finding
// carries the agent's expected-behaviors doc as remediation context.
func New(behaviorsDir string, m *metrics.Metrics, logger zerolog.Logger) *Checker {
	return &Checker{
		checks:       Registry(),
		behaviorsDir: behaviorsDir,
		metrics:      m,
		logger:       logger.With().Str("component", "completion").Logger(),
	}
}

// Run evaluates every check scoped to the unit's role. All findings are
// returned, passing and failing; the engine dispatches only the failures,
// one remediation per failing check.
func (c *Checker) Run(taskID string, snap model.PodSnapshot, logs string) []model.Finding {
	now := time.Now()
	var findings []model.Finding

	for _, check := range c.checks {
		if !applies(check, snap.AgentRole) {
			continue
		}

		passed := check.Passed(snap, logs)
		f := model.Finding{
			Kind:            check.Kind,
			TaskID:          taskID,
			UnitName:        snap.Name,
			AgentRole:       snap.AgentRole,
			ExpectedPattern: check.Expected,
			Passed:          passed,
			CheckedAt:       now,
			DedupeKey:       model.DedupeKey(string(check.Kind), taskID, snap.Name),
		}
		if !passed {
			f.Observed = c.observed(check, snap, logs)
		}

		outcome := "pass"
		if !passed {
			outcome = "fail"
		}
		c.metrics.FindingsTotal.WithLabelValues(string(check.Kind), outcome).Inc()
		findings = append(findings, f)
	}

	c.logger.Info().
		Str("unit", snap.Name).
		Str("role", string(snap.AgentRole)).
		Int("checks", len(findings)).
		Msg("completion checks done")
	return findings
}

func applies(check Check, role model.Stage) bool {
	if len(check.Roles) == 0 {
		return true
	}
	for _, r := range check.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c *Checker) observed(check Check, snap model.PodSnapshot, logs string) map[string]string {
	obs := map[string]string{
		"unit_name":  snap.Name,
		"agent_role": string(snap.AgentRole),
		"log_bytes":  strconv.Itoa(len(logs)),
		"log_tail":   tail(logs, 1000),
	}
	for _, ct := range snap.Containers {
		if ct.Terminated {
			obs["exit_"+ct.Name] = strconv.Itoa(int(ct.ExitCode))
		}
	}
	if doc := c.expectedBehaviors(snap.AgentRole); doc != "" {
		obs["expected_behaviors"] = doc
	}
	return obs
}

// expectedBehaviors loads the per-role expectations doc, if configured.
func (c *Checker) expectedBehaviors(role model.Stage) string {
	if c.behaviorsDir == "" {
		return ""
	}
	path := filepath.Join(c.behaviorsDir, fmt.Sprintf("%s.md", strings.ToLower(string(role))))
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return tail(string(data), 2000)
}

func tail(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	return "..." + s[len(s)-maxChars:]
}
