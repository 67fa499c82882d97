// Package dispatch converts alerts and findings into isolated
// diagnosis-and-fix submissions. Submissions for distinct issue IDs run
// concurrently and independently; one failure never delays another.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/pipeline-sentinel/internal/errors"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// Request is one remediation to submit.
type Request struct {
	IssueID  string
	Source   model.SourceKind
	Kind     string
	TaskID   string
	Evidence map[string]string
	LogRef   string
}

// Submitter performs the external declarative-resource creation call.
// Treated as a black box; idempotent re-submission is the external
// system's responsibility via the issue ID.
type Submitter interface {
	Submit(ctx context.Context, req Request) error
}

// Dispatcher runs a bounded worker pool over a submission queue and keeps
// the append-only remediation task log.
type Dispatcher struct {
	submitter Submitter
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	queue   chan Request
	workers int
	timeout time.Duration

	mu    sync.Mutex
	tasks []model.RemediationTask
}

// New creates a dispatcher with the given worker pool size.
func New(submitter Submitter, workers int, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		submitter: submitter,
		metrics:   m,
		logger:    logger.With().Str("component", "dispatch").Logger(),
		queue:     make(chan Request, 1024),
		workers:   workers,
		timeout:   30 * time.Second,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. In-flight
// submissions are best-effort on shutdown; the external system reconciles
// by issue ID.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-d.queue:
					d.submit(ctx, req)
				}
			}
		}()
	}
	wg.Wait()
}

// Dispatch enqueues a request and returns immediately. The triggering
// evaluation path runs on the watch read loop and must never wait on the
// queue: a full queue is ErrQueueFull, not backpressure.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	select {
	case d.queue <- req:
		return nil
	case <-ctx.Done():
		d.logger.Warn().Str("issue_id", req.IssueID).Msg("dispatch abandoned on shutdown")
		return ctx.Err()
	default:
		d.logger.Warn().Str("issue_id", req.IssueID).Str("kind", req.Kind).Msg("submission queue full, dropping")
		d.metrics.RecordError("dispatch", "queue_full")
		return serrors.ErrQueueFull
	}
}

func (d *Dispatcher) submit(ctx context.Context, req Request) {
	subCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	task := model.RemediationTask{
		IssueID:   req.IssueID,
		Source:    req.Source,
		Kind:      req.Kind,
		TaskID:    req.TaskID,
		Evidence:  req.Evidence,
		LogRef:    req.LogRef,
		CreatedAt: time.Now(),
	}

	err := d.submitter.Submit(subCtx, req)
	if err != nil {
		task.Status = model.StatusFailed
		task.Error = err.Error()
		// Full evidence goes into the log so a human or sweep process can
		// resubmit; no inline retry, to avoid amplifying an outage.
		d.logger.Error().
			Str("issue_id", req.IssueID).
			Str("kind", req.Kind).
			Str("task_id", req.TaskID).
			Interface("evidence", req.Evidence).
			Err(err).
			Msg("remediation submission failed")
	} else {
		task.Status = model.StatusSubmitted
		d.logger.Info().
			Str("issue_id", req.IssueID).
			Str("kind", req.Kind).
			Str("task_id", req.TaskID).
			Msg("remediation submitted")
	}

	d.metrics.SubmissionsTotal.WithLabelValues(string(task.Status)).Inc()
	d.append(task)
}

func (d *Dispatcher) append(task model.RemediationTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
}

// Tasks returns a copy of the remediation task log.
func (d *Dispatcher) Tasks() []model.RemediationTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.RemediationTask(nil), d.tasks...)
}
