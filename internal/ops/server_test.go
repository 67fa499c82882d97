package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/pipeline-sentinel/internal/health"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

type fakeEngine struct {
	open     map[string]time.Time
	resolved []string
}

func (f *fakeEngine) OpenAlerts() map[string]time.Time { return f.open }
func (f *fakeEngine) Resolve(key string)               { f.resolved = append(f.resolved, key) }

type fakeTaskLog struct{ tasks []model.RemediationTask }

func (f *fakeTaskLog) Tasks() []model.RemediationTask { return f.tasks }

type fakeItems struct{ items []model.WorkItem }

func (f *fakeItems) List() []model.WorkItem { return f.items }

func newTestServer(engine *fakeEngine, tasks *fakeTaskLog, items *fakeItems) *Server {
	return NewServer(":0", engine, tasks, items, health.NewChecker(zerolog.Nop()), metrics.New(), zerolog.Nop())
}

func doJSON(t *testing.T, s *Server, method, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeEngine{}, &fakeTaskLog{}, &fakeItems{})
	var body map[string]string
	code := doJSON(t, s, http.MethodGet, "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyz(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	s := NewServer(":0", &fakeEngine{}, &fakeTaskLog{}, &fakeItems{}, checker, metrics.New(), zerolog.Nop())

	var body map[string]any
	code := doJSON(t, s, http.MethodGet, "/readyz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	checker.Register("archive_dir", func(ctx context.Context) health.Status { return health.StatusDown })
	code = doJSON(t, s, http.MethodGet, "/readyz", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
}

func TestAlertsListsOpenKeys(t *testing.T) {
	engine := &fakeEngine{open: map[string]time.Time{"abc123": time.Now()}}
	s := newTestServer(engine, &fakeTaskLog{}, &fakeItems{})

	var body []map[string]any
	code := doJSON(t, s, http.MethodGet, "/alerts", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body, 1)
	assert.Equal(t, "abc123", body[0]["dedupe_key"])
}

func TestResolveAlert(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestServer(engine, &fakeTaskLog{}, &fakeItems{})

	code := doJSON(t, s, http.MethodPost, "/alerts/abc123/resolve", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"abc123"}, engine.resolved)
}

func TestRemediations(t *testing.T) {
	tasks := &fakeTaskLog{tasks: []model.RemediationTask{
		{IssueID: "issue-1", Kind: "A2", Status: model.StatusSubmitted},
		{IssueID: "issue-2", Kind: "C1", Status: model.StatusFailed},
	}}
	s := newTestServer(&fakeEngine{}, tasks, &fakeItems{})

	var body []model.RemediationTask
	code := doJSON(t, s, http.MethodGet, "/remediations", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body, 2)
	assert.Equal(t, model.StatusFailed, body[1].Status)
}

func TestItems(t *testing.T) {
	items := &fakeItems{items: []model.WorkItem{{TaskID: "task-1", PRNumber: 7}}}
	s := newTestServer(&fakeEngine{}, &fakeTaskLog{}, items)

	var body []model.WorkItem
	code := doJSON(t, s, http.MethodGet, "/items", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body, 1)
	assert.Equal(t, "task-1", body[0].TaskID)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeEngine{}, &fakeTaskLog{}, &fakeItems{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
