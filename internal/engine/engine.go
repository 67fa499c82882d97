// Package engine fuses the two producers (pod watch, PR poll) into the
// state store, runs the rule evaluator after every update, and routes
// terminal units through archive-then-check before anything else touches
// them.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/archive"
	"github.com/p-blackswan/pipeline-sentinel/internal/completion"
	"github.com/p-blackswan/pipeline-sentinel/internal/dedupe"
	"github.com/p-blackswan/pipeline-sentinel/internal/dispatch"
	"github.com/p-blackswan/pipeline-sentinel/internal/ingest"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
	"github.com/p-blackswan/pipeline-sentinel/internal/poll"
	"github.com/p-blackswan/pipeline-sentinel/internal/rules"
	"github.com/p-blackswan/pipeline-sentinel/internal/state"
)

// ArchiveReader loads previously archived unit output for the completion
// checker.
type ArchiveReader interface {
	Read(unitName string) ([]byte, error)
}

// DispatchNotifier is an optional observer of dispatched remediations.
type DispatchNotifier interface {
	NotifyDispatch(issueID, kind, taskID string)
}

// Engine implements ingest.Handler and poll.Sink.
type Engine struct {
	store     *state.Store
	evaluator *rules.Evaluator
	tracker   *dedupe.Tracker
	archiver  *archive.Archiver
	reader    ArchiveReader
	checker   *completion.Checker
	disp      *dispatch.Dispatcher
	notifier  DispatchNotifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	ctx context.Context

	// terminal-unit work is the only offloaded path; it must drain before
	// the watch connection is released on shutdown
	archWg sync.WaitGroup
}

// New wires the engine. notifier may be nil.
func New(
	ctx context.Context,
	store *state.Store,
	evaluator *rules.Evaluator,
	tracker *dedupe.Tracker,
	archiver *archive.Archiver,
	reader ArchiveReader,
	checker *completion.Checker,
	disp *dispatch.Dispatcher,
	notifier DispatchNotifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		evaluator: evaluator,
		tracker:   tracker,
		archiver:  archiver,
		reader:    reader,
		checker:   checker,
		disp:      disp,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "engine").Logger(),
		ctx:       ctx,
	}
}

// OnPodUpdate merges a pod snapshot into the store and re-evaluates the
// affected work item. Runs inline with the watch event; evaluation is pure
// computation and never blocks on I/O.
func (e *Engine) OnPodUpdate(snap model.PodSnapshot) {
	taskID := ingest.TaskID(snap)

	item := e.store.Update(taskID, func(it *model.WorkItem) {
		// First-seen tracks each unit by name; a replacement pod restarts
		// the stuck-unit clock.
		if it.Pod == nil || it.Pod.Name != snap.Name {
			it.PodFirstSeen = snap.ObservedAt
		}
		it.Pod = &snap
		if snap.AgentRole != "" && snap.AgentRole != it.CurrentStage {
			it.CurrentStage = snap.AgentRole
			it.StageSince = snap.ObservedAt
		}
	})
	e.metrics.TrackedItems.Set(float64(e.store.Count()))

	e.evaluate(item)
}

// OnPodTerminal handles a unit that just finished. Archival runs first and
// with priority; the completion check only ever sees durably stored logs.
func (e *Engine) OnPodTerminal(snap model.PodSnapshot) {
	e.archWg.Add(1)
	go func() {
		defer e.archWg.Done()
		e.handleTerminal(snap)
	}()
}

func (e *Engine) handleTerminal(snap model.PodSnapshot) {
	taskID := ingest.TaskID(snap)

	rec, err := e.archiver.Archive(e.ctx, snap)
	if err != nil {
		// Logs are gone; completion checking for this unit is impossible.
		// The loss itself was already escalated by the archiver.
		e.store.MarkTerminal(taskID)
		return
	}

	if snap.Phase == model.PhaseSucceeded {
		e.runCompletionChecks(taskID, snap, rec)
	}
	e.store.MarkTerminal(taskID)
}

func (e *Engine) runCompletionChecks(taskID string, snap model.PodSnapshot, rec archive.Record) {
	// Invariant: no check runs without a confirmed archive record.
	if got, ok := e.archiver.Result(snap.Name); !ok || !got.OK {
		e.logger.Error().Str("unit", snap.Name).Msg("refusing completion check without archive record")
		return
	}

	logs, err := e.reader.Read(snap.Name)
	if err != nil {
		e.logger.Error().Err(err).Str("unit", snap.Name).Msg("reading archived logs failed")
		e.metrics.RecordError("engine", "archive_read")
		return
	}

	findings := e.checker.Run(taskID, snap, string(logs))
	for _, f := range findings {
		if f.Passed {
			continue
		}
		if !e.tracker.Begin(f.DedupeKey) {
			continue
		}
		e.metrics.OpenAlerts.Set(float64(e.tracker.OpenCount()))

		evidence := f.Observed
		if rec.ErrorLines != "" {
			if evidence == nil {
				evidence = make(map[string]string, 1)
			}
			evidence["log_errors"] = rec.ErrorLines
		}
		e.dispatchRequest(dispatch.Request{
			IssueID:  f.DedupeKey,
			Source:   model.SourceCompletion,
			Kind:     string(f.Kind),
			TaskID:   taskID,
			Evidence: evidence,
			LogRef:   rec.Path,
		})
	}
}

// OnGap marks that watch events may have been missed; the next poll round
// re-converges the PR side, and pod state self-corrects on the next event.
func (e *Engine) OnGap() {
	e.logger.Warn().Msg("watch gap detected, state may be stale until next events arrive")
	e.metrics.RecordError("engine", "watch_gap")
}

// OnPollResult merges PR state into the store and re-evaluates. Comments
// append additively by ID; PR state is replaced wholesale so a check
// conclusion flipping at constant count is still seen. Re-evaluation runs
// after every successful poll; the dedupe tracker absorbs repeats.
func (e *Engine) OnPollResult(taskID string, res poll.Result) {
	item := e.store.Update(taskID, func(it *model.WorkItem) {
		it.PRNumber = res.PRNumber

		seen := make(map[int64]bool, len(it.Comments))
		for _, c := range it.Comments {
			seen[c.ID] = true
		}
		for _, c := range res.Comments {
			if seen[c.ID] {
				continue
			}
			it.Comments = append(it.Comments, c)
		}

		it.PR = &model.PRState{
			Number:     res.PRNumber,
			Mergeable:  res.Mergeable,
			MergeState: res.MergeState,
			Checks:     res.Checks,
			Reviews:    res.Reviews,
			PolledAt:   res.PolledAt,
		}
	})

	e.evaluate(item)
}

// evaluate runs the rule table on a snapshot and dispatches each firing
// whose dedupe key is not already open. Re-evaluation is idempotent.
func (e *Engine) evaluate(item model.WorkItem) {
	alerts := e.evaluator.Evaluate(item, time.Now())
	for _, a := range alerts {
		if !e.tracker.Begin(a.DedupeKey) {
			e.metrics.AlertsSuppressed.WithLabelValues(string(a.Kind)).Inc()
			continue
		}
		e.metrics.AlertsFired.WithLabelValues(string(a.Kind)).Inc()
		e.metrics.OpenAlerts.Set(float64(e.tracker.OpenCount()))

		req := dispatch.Request{
			IssueID:  a.DedupeKey,
			Source:   model.SourceAlert,
			Kind:     string(a.Kind),
			TaskID:   a.TaskID,
			Evidence: a.Evidence,
		}
		if item.Pod != nil {
			if rec, ok := e.archiver.Result(item.Pod.Name); ok && rec.OK {
				req.LogRef = rec.Path
				if rec.ErrorLines != "" {
					req.Evidence["log_errors"] = rec.ErrorLines
				}
			}
		}
		e.dispatchRequest(req)
	}
}

func (e *Engine) dispatchRequest(req dispatch.Request) {
	if err := e.disp.Dispatch(e.ctx, req); err != nil {
		// Dropped under pressure or shutdown. Release the key so a later
		// evaluation re-dispatches once the queue drains.
		e.tracker.Resolve(req.IssueID)
		e.metrics.OpenAlerts.Set(float64(e.tracker.OpenCount()))
		e.logger.Warn().Str("issue_id", req.IssueID).Err(err).Msg("dispatch dropped")
		return
	}
	if e.notifier != nil {
		e.notifier.NotifyDispatch(req.IssueID, req.Kind, req.TaskID)
	}
}

// Resolve releases a dedupe key once its remediation outcome is known,
// re-arming detection for that problem.
func (e *Engine) Resolve(key string) {
	e.tracker.Resolve(key)
	e.metrics.OpenAlerts.Set(float64(e.tracker.OpenCount()))
}

// OpenAlerts returns the currently open dedupe keys.
func (e *Engine) OpenAlerts() map[string]time.Time {
	return e.tracker.OpenKeys()
}

// Drain waits for in-flight archive writes to finish. Called on shutdown
// before the watch connection is released.
func (e *Engine) Drain() {
	e.archWg.Wait()
}
