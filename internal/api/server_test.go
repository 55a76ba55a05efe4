package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/bulletin-crawler/internal/clock"
	"github.com/JakeFAU/bulletin-crawler/internal/id/uuid"
	"github.com/JakeFAU/bulletin-crawler/internal/task"
)

func newTaskService(t *testing.T) *task.Service {
	t.Helper()
	svc := task.NewService(task.Config{}, uuid.New(), clock.New(), nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, zaptest.NewLogger(t))
	rec := serve(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := NewServer(nil, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
	}, nil)
	rec := serve(t, ok, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	failing := NewServer(nil, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"pubsub":   func(context.Context) error { return errors.New("topic missing") },
	}, nil)
	rec = serve(t, failing, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","failures":{"pubsub":"topic missing"}}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	serve(t, s, http.MethodGet, "/healthz")
	rec := serve(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestDebugRoutesRequireTasks(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	rec := serve(t, s, http.MethodGet, "/debug/tasks/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugTasks(t *testing.T) {
	t.Parallel()

	tasks := newTaskService(t)
	id, err := tasks.Create(context.Background(), "crawl", "user-1", func(context.Context, *task.Task) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)
	_, err = tasks.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tasks.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)

	s := NewServer(tasks, nil, zaptest.NewLogger(t))

	rec := serve(t, s, http.MethodGet, "/debug/tasks/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, id, snap.TaskID)
	assert.Equal(t, task.StatusCompleted, snap.Status)

	rec = serve(t, s, http.MethodGet, "/debug/tasks/?owner_id=user-1&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var list taskListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Stats.Completed)
	require.Len(t, list.Completed, 1)
	assert.Equal(t, id, list.Completed[0].TaskID)
	assert.Empty(t, list.Active)

	rec = serve(t, s, http.MethodGet, "/debug/tasks/?owner_id=someone-else")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Completed)
}

func TestDebugTaskErrors(t *testing.T) {
	t.Parallel()

	s := NewServer(newTaskService(t), nil, nil)

	rec := serve(t, s, http.MethodGet, "/debug/tasks/crawl_deadbeef")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "task not found")

	rec = serve(t, s, http.MethodGet, "/debug/tasks/?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, zaptest.NewLogger(t))
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}
