// Package config loads sentinel configuration from environment variables,
// with an optional YAML tables file for per-role timeouts and per-unit-type
// retention windows.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Kubernetes
	Namespace        string `envconfig:"WATCH_NAMESPACE" default:"agent-platform"`
	KubeconfigPath   string `envconfig:"KUBECONFIG_PATH"`
	PodLabelSelector string `envconfig:"POD_LABEL_SELECTOR" default:"task-id"`

	// Detection thresholds
	PollInterval           time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	StaleProgressThreshold time.Duration `envconfig:"STALE_PROGRESS_THRESHOLD" default:"15m"`
	ApprovalLoopThreshold  int           `envconfig:"APPROVAL_LOOP_THRESHOLD" default:"2"`
	RestartThreshold       int           `envconfig:"RESTART_THRESHOLD" default:"3"`
	StuckUnitThreshold     time.Duration `envconfig:"STUCK_UNIT_THRESHOLD" default:"90m"`

	// Tables file (optional) overriding the built-in timeout/retention tables
	TablesPath string `envconfig:"TABLES_PATH"`

	// Archiving
	ArchiveDir           string        `envconfig:"ARCHIVE_DIR" default:"/var/lib/sentinel/logs"`
	ArchiveRetryAttempts int           `envconfig:"ARCHIVE_RETRY_ATTEMPTS" default:"5"`
	ArchiveRetryBase     time.Duration `envconfig:"ARCHIVE_RETRY_BASE" default:"2s"`

	// Dispatch
	MaxConcurrentSubmissions int    `envconfig:"MAX_CONCURRENT_SUBMISSIONS" default:"4"`
	RemediationNamespace     string `envconfig:"REMEDIATION_NAMESPACE" default:"agent-platform"`
	RemediationAgent         string `envconfig:"REMEDIATION_AGENT" default:"rex-remediation"`
	ExpectedBehaviorsDir     string `envconfig:"EXPECTED_BEHAVIORS_DIR"`

	// GitHub (App auth preferred; PAT fallback for development)
	GitHubRepository     string `envconfig:"GITHUB_REPOSITORY"` // owner/repo
	GitHubToken          string `envconfig:"GITHUB_TOKEN"`
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`

	// Ops API
	OpsListenAddr string `envconfig:"OPS_LISTEN_ADDR" default:":8090"`

	// Slack (optional; sentinel runs without Slack configured)
	SlackBotToken        string `envconfig:"SENTINEL_SLACK_BOT_TOKEN"`
	SlackChannel         string `envconfig:"SENTINEL_SLACK_CHANNEL"`
	SlackAllowedChannels string `envconfig:"SENTINEL_SLACK_ALLOWED_CHANNELS"`

	// Populated from TablesPath (or defaults); not read from env directly.
	StepTimeouts     StepTimeouts             `ignored:"true"`
	RetentionWindows map[string]time.Duration `ignored:"true"`
}

// StepTimeouts holds per-role timeout thresholds for the step-timeout rule.
type StepTimeouts struct {
	Implementation time.Duration `yaml:"implementation"`
	Quality        time.Duration `yaml:"quality"`
	Testing        time.Duration `yaml:"testing"`
	Security       time.Duration `yaml:"security"`
	Integration    time.Duration `yaml:"integration"`
	Default        time.Duration `yaml:"default"`
}

// DefaultStepTimeouts returns the platform's published per-role thresholds.
func DefaultStepTimeouts() StepTimeouts {
	return StepTimeouts{
		Implementation: 45 * time.Minute,
		Quality:        15 * time.Minute,
		Testing:        30 * time.Minute,
		Security:       15 * time.Minute,
		Integration:    20 * time.Minute,
		Default:        60 * time.Minute,
	}
}

// ForRole returns the timeout for a pipeline stage. Unknown roles get the
// default threshold; a zero default means "no entry" and the step-timeout
// rule does not fire.
func (s StepTimeouts) ForRole(role model.Stage) time.Duration {
	switch role {
	case model.StageImplementation:
		return s.Implementation
	case model.StageQuality:
		return s.Quality
	case model.StageTesting:
		return s.Testing
	case model.StageSecurity:
		return s.Security
	case model.StageIntegration:
		return s.Integration
	default:
		return s.Default
	}
}

// DefaultRetentionWindows returns the built-in per-unit-type retention
// windows. "default" applies to unit types without an explicit entry.
func DefaultRetentionWindows() map[string]time.Duration {
	return map[string]time.Duration{
		"coderun":  5 * time.Minute,
		"workflow": 24 * time.Hour,
		"default":  time.Hour,
	}
}

// RetentionFor returns the retention window for a unit type.
func (c *Config) RetentionFor(unitType string) time.Duration {
	if w, ok := c.RetentionWindows[unitType]; ok {
		return w
	}
	if w, ok := c.RetentionWindows["default"]; ok {
		return w
	}
	return time.Hour
}

// SlackEnabled returns true if Slack notification is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// SlackAllowedChannelList returns the parsed allowlist of Slack channel IDs.
// Returns nil if not configured; with no allowlist, nothing is allowed.
func (c *Config) SlackAllowedChannelList() []string {
	if c.SlackAllowedChannels == "" {
		return nil
	}
	parts := strings.Split(c.SlackAllowedChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, ch := range parts {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}

// GitHubAppEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubAppEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubPrivateKeyPath != ""
}

// SplitRepository splits "owner/repo" into its parts.
func (c *Config) SplitRepository() (owner, repo string, err error) {
	parts := strings.SplitN(c.GitHubRepository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GITHUB_REPOSITORY %q, expected owner/repo", c.GitHubRepository)
	}
	return parts[0], parts[1], nil
}

// tablesFile is the on-disk shape of the optional tables file.
type tablesFile struct {
	StepTimeouts     *StepTimeouts            `yaml:"step_timeouts"`
	RetentionWindows map[string]time.Duration `yaml:"retention_windows"`
}

// Load reads configuration from environment variables and the optional
// tables file.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg.StepTimeouts = DefaultStepTimeouts()
	cfg.RetentionWindows = DefaultRetentionWindows()

	if cfg.TablesPath != "" {
		if err := cfg.loadTables(cfg.TablesPath); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) loadTables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading tables file: %w", err)
	}
	var tf tablesFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parsing tables file %s: %w", path, err)
	}
	if tf.StepTimeouts != nil {
		c.StepTimeouts = *tf.StepTimeouts
	}
	for k, v := range tf.RetentionWindows {
		c.RetentionWindows[k] = v
	}
	return nil
}
