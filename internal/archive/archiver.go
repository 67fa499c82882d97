// Package archive copies a terminated unit's full output to durable storage
// before the platform garbage-collects it. This is the engine's tightest
// deadline: some unit types keep logs for only a few minutes.
package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/pipeline-sentinel/internal/errors"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
	"github.com/p-blackswan/pipeline-sentinel/internal/retry"
)

// LabelUnitType selects the retention window for a unit. Units without the
// label fall back to the "default" window.
const LabelUnitType = "unit-type"

// Sink is the durable archive target. Store must acknowledge success or
// failure synchronously so the archiver's retry logic can act on it.
type Sink interface {
	Store(ctx context.Context, unitName string, content []byte) error
	Path(unitName string) string
}

// LogSource fetches a unit's accumulated output.
type LogSource interface {
	GetPodLogs(ctx context.Context, namespace, podName, container string) ([]byte, error)
}

// Notifier is an optional escalation channel for unrecoverable loss.
type Notifier interface {
	NotifyLoss(unitName, reason string)
}

// Record is the durable result of one archive attempt, consulted by the
// completion checker before any check runs.
type Record struct {
	Unit       string    `json:"unit"`
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path,omitempty"`
	Bytes      int       `json:"bytes"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	ErrorLines string    `json:"error_lines,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

// errorLineLimit caps the log context carried inline on a record; the full
// output lives at Path.
const errorLineLimit = 4096

// Archiver races the retention window to persist unit logs.
type Archiver struct {
	source    LogSource
	sink      Sink
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	retention func(unitType string) time.Duration
	retryCfg  retry.Config

	mu      sync.Mutex
	records map[string]Record
}

// New creates an archiver. retention maps a unit type to its window;
// notifier may be nil.
func New(source LogSource, sink Sink, retention func(string) time.Duration, retryCfg retry.Config, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Archiver {
	return &Archiver{
		source:    source,
		sink:      sink,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "archive").Logger(),
		retention: retention,
		retryCfg:  retryCfg,
		records:   make(map[string]Record),
	}
}

// Archive fetches and persists the unit's logs, bounded by the unit type's
// retention window. It records the outcome either way; exhausting retries
// is the engine's single severe failure and is escalated.
func (a *Archiver) Archive(ctx context.Context, snap model.PodSnapshot) (Record, error) {
	unitType := snap.Labels[LabelUnitType]
	window := a.retention(unitType)

	// The retention window is the hard deadline: past it the logs are gone
	// anyway, so there is no point retrying further.
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	taskID := snap.Labels["task-id"]
	rec := Record{Unit: snap.Name, TaskID: taskID, ArchivedAt: time.Now()}

	var content []byte
	err := retry.DoAlways(ctx, a.retryCfg, func(ctx context.Context) error {
		var fetchErr error
		content, fetchErr = a.source.GetPodLogs(ctx, snap.Namespace, snap.Name, agentContainer(snap))
		if fetchErr != nil {
			return fetchErr
		}
		return a.sink.Store(ctx, snap.Name, content)
	})

	if err != nil {
		rec.OK = false
		rec.Error = err.Error()
		a.put(rec)
		a.metrics.ArchivesTotal.WithLabelValues("lost").Inc()
		// Operator-visible: downstream detection for this unit is degraded.
		a.logger.Error().
			Str("unit", snap.Name).
			Str("task_id", taskID).
			Err(err).
			Msg("UNRECOVERABLE LOG LOSS: archive retries exhausted")
		if a.notifier != nil {
			a.notifier.NotifyLoss(snap.Name, err.Error())
		}
		return rec, fmt.Errorf("archiving %s: %w", snap.Name, serrors.ErrLogsGone)
	}

	rec.OK = true
	rec.Path = a.sink.Path(snap.Name)
	rec.Bytes = len(content)
	if lines := FilterErrorLines(string(content)); lines != "" {
		if len(lines) > errorLineLimit {
			lines = lines[:errorLineLimit]
		}
		rec.ErrorLines = lines
	}
	a.put(rec)
	a.metrics.ArchivesTotal.WithLabelValues("ok").Inc()
	a.logger.Info().
		Str("unit", snap.Name).
		Str("path", rec.Path).
		Int("bytes", rec.Bytes).
		Msg("unit logs archived")
	return rec, nil
}

// Result returns the archive record for a unit, if one exists. The
// completion checker refuses to run without one.
func (a *Archiver) Result(unitName string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[unitName]
	return rec, ok
}

func (a *Archiver) put(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.Unit] = rec
}

// agentContainer picks the agent's container, skipping known sidecars so
// the archive holds the process output that matters.
func agentContainer(snap model.PodSnapshot) string {
	for _, c := range snap.Containers {
		if strings.Contains(c.Name, "docker") {
			continue
		}
		return c.Name
	}
	return ""
}

// FilterErrorLines keeps only error-bearing lines, used when attaching log
// context to remediation evidence without shipping the whole archive.
func FilterErrorLines(logs string) string {
	patterns := []string{
		"error", "Error", "ERROR",
		"failed", "Failed", "FAILED",
		"panic", "PANIC",
		"fatal", "FATAL",
		"OOMKilled", "CrashLoopBackOff",
		"warning:",
	}

	var out []string
	for _, line := range strings.Split(logs, "\n") {
		for _, p := range patterns {
			if strings.Contains(line, p) {
				out = append(out, line)
				break
			}
		}
	}
	return strings.Join(out, "\n")
}
