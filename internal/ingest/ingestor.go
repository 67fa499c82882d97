// Package ingest consumes the pod watch stream, normalizes events into pod
// snapshots, and hands them to the engine. The stream is push-only and
// unbounded; disconnects are survived with backoff and a gap flag.
package ingest

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/k8s"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// Pod labels the orchestration platform stamps on every agent unit.
const (
	LabelTaskID    = "task-id"
	LabelAgentRole = "agent-role"
	LabelWorkflow  = "workflow-name"
)

// Handler receives normalized events. Implementations must return quickly;
// anything slow belongs on the engine's worker pool, never in the watch
// read loop.
type Handler interface {
	// OnPodUpdate is called once per watch notification.
	OnPodUpdate(snap model.PodSnapshot)

	// OnPodTerminal is called when a notification represents a terminal
	// phase, after OnPodUpdate for the same notification.
	OnPodTerminal(snap model.PodSnapshot)

	// OnGap signals that the stream was interrupted and a window of events
	// may have been missed.
	OnGap()
}

// Ingestor subscribes to pod state changes for one namespace.
type Ingestor struct {
	client  *k8s.Client
	handler Handler
	metrics *metrics.Metrics
	logger  zerolog.Logger

	namespace string
	selector  string

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// New creates an ingestor.
func New(client *k8s.Client, namespace, selector string, handler Handler, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		client:      client,
		handler:     handler,
		metrics:     m,
		logger:      logger.With().Str("component", "ingest").Logger(),
		namespace:   namespace,
		selector:    selector,
		baseBackoff: time.Second,
		maxBackoff:  time.Minute,
	}
}

// Run consumes the watch stream until ctx is cancelled. Reconnects
// transparently; no error path terminates the loop.
func (i *Ingestor) Run(ctx context.Context) {
	backoff := i.baseBackoff
	firstConnect := true

	for {
		if ctx.Err() != nil {
			return
		}

		w, err := i.client.WatchPods(ctx, i.namespace, i.selector, "")
		if err != nil {
			i.logger.Warn().Err(err).Dur("backoff", backoff).Msg("watch connect failed")
			i.metrics.RecordError("ingest", "connect")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, i.maxBackoff)
			continue
		}

		if !firstConnect {
			// Resubscribed after a disconnect: events may have been missed.
			i.handler.OnGap()
		}
		firstConnect = false
		backoff = i.baseBackoff

		i.consume(ctx, w)
		w.Stop()

		i.logger.Info().Msg("watch stream ended, reconnecting")
	}
}

func (i *Ingestor) consume(ctx context.Context, w watch.Interface) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				return
			}
			i.handleEvent(ev)
		}
	}
}

func (i *Ingestor) handleEvent(ev watch.Event) {
	if ev.Type == watch.Error {
		i.logger.Warn().Interface("object", ev.Object).Msg("watch error event")
		i.metrics.RecordError("ingest", "watch_error")
		return
	}

	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		// Malformed notification: logged and dropped, never fatal.
		i.logger.Warn().Str("type", string(ev.Type)).Msg("dropping non-pod watch object")
		i.metrics.RecordError("ingest", "malformed")
		return
	}

	snap, ok := Normalize(pod)
	if !ok {
		i.logger.Debug().Str("pod", pod.Name).Msg("dropping pod without task-id label")
		i.metrics.RecordError("ingest", "unlabeled")
		return
	}

	i.metrics.EventsIngested.WithLabelValues(string(snap.Phase)).Inc()
	i.handler.OnPodUpdate(snap)
	if snap.Phase.Terminal() {
		i.handler.OnPodTerminal(snap)
	}
}

// Normalize converts a pod object into the engine's snapshot form. Returns
// false when the pod carries no task correlation label.
func Normalize(pod *corev1.Pod) (model.PodSnapshot, bool) {
	taskID := pod.Labels[LabelTaskID]
	if taskID == "" {
		return model.PodSnapshot{}, false
	}

	snap := model.PodSnapshot{
		Name:       pod.Name,
		Namespace:  pod.Namespace,
		Phase:      model.PodPhase(pod.Status.Phase),
		AgentRole:  model.Stage(pod.Labels[LabelAgentRole]),
		Workflow:   pod.Labels[LabelWorkflow],
		Labels:     pod.Labels,
		ObservedAt: time.Now(),
	}
	if pod.Status.StartTime != nil {
		snap.StartedAt = pod.Status.StartTime.Time
	}

	for _, cs := range pod.Status.ContainerStatuses {
		c := model.ContainerStatus{
			Name:         cs.Name,
			RestartCount: cs.RestartCount,
		}
		if cs.State.Terminated != nil {
			c.Terminated = true
			c.ExitCode = cs.State.Terminated.ExitCode
			c.Reason = cs.State.Terminated.Reason
		}
		snap.Containers = append(snap.Containers, c)
	}

	return snap, true
}

// TaskID extracts the correlation ID from a snapshot.
func TaskID(snap model.PodSnapshot) string {
	return snap.Labels[LabelTaskID]
}
