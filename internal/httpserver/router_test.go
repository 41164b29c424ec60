package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/services/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

type fakeRunInfo struct {
	last scheduler.RunSummary
	next time.Time
}

func (f fakeRunInfo) LastRun() scheduler.RunSummary { return f.last }
func (f fakeRunInfo) NextRun() time.Time            { return f.next }

func do(r *Router, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Deps{})
	w := do(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(r, http.MethodHead, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	r := NewRouter(Deps{DB: pingerFunc(func(context.Context) error { return nil })})
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/readyz").Code)

	r = NewRouter(Deps{DB: pingerFunc(func(context.Context) error { return errors.New("connection refused") })})
	w := do(r, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")
}

func TestMetricsRoute(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("postmaster_poll_runs_total 3\n"))
	})
	r := NewRouter(Deps{Metrics: handler, MetricsPath: "/internal/metrics"})

	w := do(r, http.MethodGet, "/internal/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "postmaster_poll_runs_total 3")
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/metrics").Code)
}

func TestQueueStatusRoutes(t *testing.T) {
	store := cache.NewLocalCache(time.Hour)
	ctx := context.Background()
	require.NoError(t, store.PutStatus(ctx, cache.Status{QueueSlug: "QQ", LastStatus: "ok", MessagesSeen: 4}))
	require.NoError(t, store.PutStatus(ctx, cache.Status{QueueSlug: "BILL", LastStatus: "error", LastError: "timeout"}))
	r := NewRouter(Deps{Status: store})

	w := do(r, http.MethodGet, "/queues")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Queues []cache.Status `json:"queues"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "BILL", body.Queues[0].QueueSlug)

	w = do(r, http.MethodGet, "/queues/QQ")
	require.Equal(t, http.StatusOK, w.Code)
	var st cache.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 4, st.MessagesSeen)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/queues/NOPE").Code)
}

func TestSchedulerRoute(t *testing.T) {
	started := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	r := NewRouter(Deps{Scheduler: fakeRunInfo{
		last: scheduler.RunSummary{StartedAt: started, FinishedAt: started.Add(time.Second), Due: 3, Polled: 2, Locked: 1, Err: errors.New("queue QQ: boom")},
	}})

	w := do(r, http.MethodGet, "/scheduler")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3.0, body["due"])
	assert.Equal(t, 1.0, body["locked"])
	assert.Equal(t, "queue QQ: boom", body["error"])
	assert.Nil(t, body["next_run_at"])
}

func TestRoutesDisabledWithoutDeps(t *testing.T) {
	r := NewRouter(Deps{})
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/queues").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/scheduler").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/metrics").Code)
}

func TestServerStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewRouter(Deps{}), time.Second, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
