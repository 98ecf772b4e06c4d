package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/orchestrator"
	"github.com/forgelabs/build-plane/internal/store"
	"github.com/forgelabs/build-plane/internal/store/memory"
)

// fakeRunner satisfies Runner without executing anything.
type fakeRunner struct {
	store   store.Store
	started []string
}

func (f *fakeRunner) Start(buildID string) error {
	f.started = append(f.started, buildID)
	return nil
}

func (f *fakeRunner) Cancel(ctx context.Context, buildID string) (*models.BuildRecord, error) {
	record, err := f.store.Builds().Get(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrInvalidState, record.Status)
	}
	status := models.BuildStatusCancelled
	return f.store.Builds().Update(ctx, buildID, store.FieldUpdates{Status: &status})
}

func testRouter(st store.Store, runner Runner) chi.Router {
	h := NewBuildHandler(st, runner, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/v1/builds", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{buildID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/logs", h.Logs)
			r.Post("/cancel", h.Cancel)
		})
	})
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateBuildDefaults(t *testing.T) {
	st := memory.NewMemoryStore()
	runner := &fakeRunner{store: st}
	router := testRouter(st, runner)

	rr := doJSON(t, router, http.MethodPost, "/v1/builds", map[string]any{
		"task": "build a todo API",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rr.Code, rr.Body)
	}

	var record models.BuildRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if record.BuildID == "" {
		t.Error("build_id missing")
	}
	if record.Status != models.BuildStatusInitiated {
		t.Errorf("status = %q, want initiated", record.Status)
	}
	if record.Mode != models.BuildModeNewProject {
		t.Errorf("mode = %q, want new_project", record.Mode)
	}
	if record.MaxIterations != 3 {
		t.Errorf("max_iterations = %d, want default 3", record.MaxIterations)
	}
	if record.CurrentIteration != 0 {
		t.Errorf("current_iteration = %d, want 0", record.CurrentIteration)
	}
	if len(runner.started) != 1 || runner.started[0] != record.BuildID {
		t.Errorf("runner started = %v, want [%s]", runner.started, record.BuildID)
	}
}

func TestCreateBuildValidation(t *testing.T) {
	st := memory.NewMemoryStore()
	router := testRouter(st, &fakeRunner{store: st})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing task", map[string]any{}},
		{"empty task", map[string]any{"task": ""}},
		{"bad mode", map[string]any{"task": "x", "mode": "turbo"}},
		{"zero max_iterations", map[string]any{"task": "x", "max_iterations": 0}},
		{"negative max_iterations", map[string]any{"task": "x", "max_iterations": -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, router, http.MethodPost, "/v1/builds", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestGetBuild(t *testing.T) {
	st := memory.NewMemoryStore()
	router := testRouter(st, &fakeRunner{store: st})

	record := &models.BuildRecord{
		BuildID:       "b1",
		Task:          "task",
		Mode:          models.BuildModeNewProject,
		Status:        models.BuildStatusTesting,
		MaxIterations: 3,
	}
	if err := st.Builds().Create(context.Background(), record); err != nil {
		t.Fatalf("create: %v", err)
	}

	rr := doJSON(t, router, http.MethodGet, "/v1/builds/b1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got models.BuildRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BuildID != "b1" || got.Status != models.BuildStatusTesting {
		t.Errorf("got %+v", got)
	}

	if rr := doJSON(t, router, http.MethodGet, "/v1/builds/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown build status = %d, want 404", rr.Code)
	}
}

func TestListBuildsWithFilter(t *testing.T) {
	st := memory.NewMemoryStore()
	router := testRouter(st, &fakeRunner{store: st})

	for i, status := range []models.BuildStatus{
		models.BuildStatusPassed,
		models.BuildStatusFailed,
		models.BuildStatusPassed,
	} {
		record := &models.BuildRecord{
			BuildID:       fmt.Sprintf("b%d", i),
			Task:          "task",
			Mode:          models.BuildModeNewProject,
			Status:        status,
			MaxIterations: 3,
		}
		if err := st.Builds().Create(context.Background(), record); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rr := doJSON(t, router, http.MethodGet, "/v1/builds?status=passed", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Builds []models.BuildRecord `json:"builds"`
		Count  int                  `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Builds) != 2 {
		t.Errorf("count = %d (%d builds), want 2", resp.Count, len(resp.Builds))
	}

	if rr := doJSON(t, router, http.MethodGet, "/v1/builds?status=exploded", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", rr.Code)
	}
	if rr := doJSON(t, router, http.MethodGet, "/v1/builds?limit=zero", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rr.Code)
	}
}

func TestCancelBuild(t *testing.T) {
	st := memory.NewMemoryStore()
	router := testRouter(st, &fakeRunner{store: st})

	running := &models.BuildRecord{
		BuildID:       "running",
		Task:          "task",
		Mode:          models.BuildModeNewProject,
		Status:        models.BuildStatusBuilding,
		MaxIterations: 3,
	}
	done := &models.BuildRecord{
		BuildID:       "done",
		Task:          "task",
		Mode:          models.BuildModeNewProject,
		Status:        models.BuildStatusPassed,
		MaxIterations: 3,
	}
	for _, rec := range []*models.BuildRecord{running, done} {
		if err := st.Builds().Create(context.Background(), rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rr := doJSON(t, router, http.MethodPost, "/v1/builds/running/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rr.Code, rr.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["build_id"] != "running" || resp["status"] != string(models.BuildStatusCancelled) {
		t.Errorf("response = %v", resp)
	}

	if rr := doJSON(t, router, http.MethodPost, "/v1/builds/done/cancel", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("terminal cancel status = %d, want 400", rr.Code)
	}
	if rr := doJSON(t, router, http.MethodPost, "/v1/builds/ghost/cancel", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown cancel status = %d, want 404", rr.Code)
	}
}

func TestBuildLogs(t *testing.T) {
	st := memory.NewMemoryStore()
	router := testRouter(st, &fakeRunner{store: st})

	record := &models.BuildRecord{
		BuildID:       "b1",
		Task:          "task",
		Mode:          models.BuildModeNewProject,
		Status:        models.BuildStatusPassed,
		MaxIterations: 3,
	}
	if err := st.Builds().Create(context.Background(), record); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, m := range []string{"scout started", "build passed and deployed"} {
		if err := st.Logs().Append(context.Background(), "b1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rr := doJSON(t, router, http.MethodGet, "/v1/builds/b1/logs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		BuildID string            `json:"build_id"`
		Logs    []models.LogEntry `json:"logs"`
		LogSize int               `json:"log_size"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BuildID != "b1" || len(resp.Logs) != 2 {
		t.Errorf("response = %+v", resp)
	}
	if resp.LogSize != 2 {
		t.Errorf("log_size = %d, want 2", resp.LogSize)
	}
	if resp.Logs[0].Message != "scout started" {
		t.Errorf("logs[0] = %q, want append order preserved", resp.Logs[0].Message)
	}

	if rr := doJSON(t, router, http.MethodGet, "/v1/builds/ghost/logs", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown build logs status = %d, want 404", rr.Code)
	}
}

func TestBuildLogsNotYetProduced(t *testing.T) {
	st := memory.NewMemoryStore()
	router := testRouter(st, &fakeRunner{store: st})

	record := &models.BuildRecord{
		BuildID:       "fresh",
		Task:          "task",
		Mode:          models.BuildModeNewProject,
		Status:        models.BuildStatusInitiated,
		MaxIterations: 3,
	}
	if err := st.Builds().Create(context.Background(), record); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The build exists but its execution has not logged anything yet.
	if rr := doJSON(t, router, http.MethodGet, "/v1/builds/fresh/logs", nil); rr.Code != http.StatusNotFound {
		t.Errorf("logs before first entry status = %d, want 404", rr.Code)
	}
}
