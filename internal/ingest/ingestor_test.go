package ingest

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

func testPod(name, taskID string, phase corev1.PodPhase) *corev1.Pod {
	labels := map[string]string{
		LabelAgentRole: "implementation",
		LabelWorkflow:  "play-workflow",
	}
	if taskID != "" {
		labels[LabelTaskID] = taskID
	}
	started := metav1.Now()
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "agent-platform", Labels: labels},
		Status: corev1.PodStatus{
			Phase:     phase,
			StartTime: &started,
			ContainerStatuses: []corev1.ContainerStatus{
				{
					Name:         "agent",
					RestartCount: 1,
					State: corev1.ContainerState{
						Terminated: &corev1.ContainerStateTerminated{ExitCode: 137, Reason: "OOMKilled"},
					},
				},
				{Name: "docker-sidecar"},
			},
		},
	}
}

func TestNormalize(t *testing.T) {
	snap, ok := Normalize(testPod("agent-impl-abc", "task-1", corev1.PodRunning))
	require.True(t, ok)

	assert.Equal(t, "agent-impl-abc", snap.Name)
	assert.Equal(t, "agent-platform", snap.Namespace)
	assert.Equal(t, model.PhaseRunning, snap.Phase)
	assert.Equal(t, model.StageImplementation, snap.AgentRole)
	assert.Equal(t, "play-workflow", snap.Workflow)
	assert.False(t, snap.StartedAt.IsZero())
	assert.False(t, snap.ObservedAt.IsZero())

	require.Len(t, snap.Containers, 2)
	assert.True(t, snap.Containers[0].Terminated)
	assert.Equal(t, int32(137), snap.Containers[0].ExitCode)
	assert.Equal(t, "OOMKilled", snap.Containers[0].Reason)
	assert.Equal(t, int32(1), snap.Containers[0].RestartCount)
	assert.False(t, snap.Containers[1].Terminated)

	assert.Equal(t, "task-1", TaskID(snap))
}

func TestNormalizeRejectsUnlabeledPod(t *testing.T) {
	_, ok := Normalize(testPod("infra-pod", "", corev1.PodRunning))
	assert.False(t, ok)
}

type recordingHandler struct {
	updates  []model.PodSnapshot
	terminal []model.PodSnapshot
	gaps     int
}

func (h *recordingHandler) OnPodUpdate(snap model.PodSnapshot)   { h.updates = append(h.updates, snap) }
func (h *recordingHandler) OnPodTerminal(snap model.PodSnapshot) { h.terminal = append(h.terminal, snap) }
func (h *recordingHandler) OnGap()                               { h.gaps++ }

func newTestIngestor(h Handler) *Ingestor {
	return New(nil, "agent-platform", LabelTaskID, h, metrics.New(), zerolog.Nop())
}

func TestHandleEventRunning(t *testing.T) {
	h := &recordingHandler{}
	ing := newTestIngestor(h)

	ing.handleEvent(watch.Event{Type: watch.Modified, Object: testPod("p1", "task-1", corev1.PodRunning)})

	require.Len(t, h.updates, 1)
	assert.Empty(t, h.terminal)
}

func TestHandleEventTerminalPhase(t *testing.T) {
	h := &recordingHandler{}
	ing := newTestIngestor(h)

	ing.handleEvent(watch.Event{Type: watch.Modified, Object: testPod("p1", "task-1", corev1.PodSucceeded)})

	// Terminal notifications arrive after the regular update.
	require.Len(t, h.updates, 1)
	require.Len(t, h.terminal, 1)
	assert.Equal(t, model.PhaseSucceeded, h.terminal[0].Phase)
}

func TestHandleEventDropsMalformed(t *testing.T) {
	h := &recordingHandler{}
	ing := newTestIngestor(h)

	var notAPod runtime.Object = &corev1.ConfigMap{}
	ing.handleEvent(watch.Event{Type: watch.Added, Object: notAPod})
	ing.handleEvent(watch.Event{Type: watch.Error, Object: nil})
	ing.handleEvent(watch.Event{Type: watch.Added, Object: testPod("p1", "", corev1.PodRunning)})

	assert.Empty(t, h.updates)
	assert.Empty(t, h.terminal)
}
