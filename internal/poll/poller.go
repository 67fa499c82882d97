// Package poll periodically fetches pull-request activity for every tracked
// work item and feeds it back into the fused state view.
package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// Result is one poll round's view of a work item's PR: comments, checks,
// merge eligibility, and review state fetched together.
type Result struct {
	PRNumber   int
	Mergeable  *bool
	MergeState string
	Comments   []model.CommentRecord
	Checks     []model.CheckResult
	Reviews    []model.Review
	PolledAt   time.Time
}

// Fetcher retrieves the PR state for one task. Implementations must be safe
// for concurrent use.
type Fetcher interface {
	FetchPR(ctx context.Context, taskID string) (*Result, error)
}

// TaskLister enumerates the work items to poll.
type TaskLister interface {
	ActiveTasks() []string
}

// Sink receives poll results. The engine merges them into the state store
// and re-evaluates the affected item.
type Sink interface {
	OnPollResult(taskID string, res Result)
}

// Poller drives the polling loop.
type Poller struct {
	fetcher  Fetcher
	tasks    TaskLister
	sink     Sink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	interval time.Duration

	// concurrent fetch cap; one stuck item must not starve the rest
	slots chan struct{}
}

// New creates a poller.
func New(fetcher Fetcher, tasks TaskLister, sink Sink, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	return &Poller{
		fetcher:  fetcher,
		tasks:    tasks,
		sink:     sink,
		metrics:  m,
		logger:   logger.With().Str("component", "poll").Logger(),
		interval: interval,
		slots:    make(chan struct{}, 4),
	}
}

// Run polls until ctx is cancelled. The first round runs immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

// pollAll fetches every active item once. Failures are logged per item and
// retried implicitly on the next interval; there is no separate retry loop.
func (p *Poller) pollAll(ctx context.Context) {
	tasks := p.tasks.ActiveTasks()
	if len(tasks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, taskID := range tasks {
		select {
		case <-ctx.Done():
			return
		case p.slots <- struct{}{}:
		}

		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			defer func() { <-p.slots }()
			p.pollOne(ctx, taskID)
		}(taskID)
	}
	wg.Wait()
}

func (p *Poller) pollOne(ctx context.Context, taskID string) {
	res, err := p.fetcher.FetchPR(ctx, taskID)
	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", taskID).Msg("poll failed")
		p.metrics.PollsTotal.WithLabelValues("error").Inc()
		return
	}
	if res == nil {
		p.metrics.PollsTotal.WithLabelValues("no_pr").Inc()
		return
	}

	p.metrics.PollsTotal.WithLabelValues("ok").Inc()
	p.sink.OnPollResult(taskID, *res)
}

// Approval keywords carried over from the platform's rule set.
var approvalKeywords = []string{
	"approved",
	"lgtm",
	"looks good",
	"all checks pass",
	"✅",
}

var actionableKeywords = []string{
	"changes requested",
	"needs work",
	"please fix",
	"blocking",
}

// Classify buckets a comment body for the rule evaluator.
func Classify(body string) model.Classification {
	lower := strings.ToLower(body)
	for _, kw := range approvalKeywords {
		if strings.Contains(lower, kw) {
			return model.ClassApproval
		}
	}
	for _, kw := range actionableKeywords {
		if strings.Contains(lower, kw) {
			return model.ClassActionable
		}
	}
	return model.ClassInformational
}

// Excerpt truncates a comment body for the record, on a rune boundary so
// multi-byte characters are never split.
func Excerpt(body string) string {
	const maxChars = 200
	runes := []rune(body)
	if len(runes) <= maxChars {
		return body
	}
	return string(runes[:maxChars]) + "..."
}
