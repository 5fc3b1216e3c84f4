package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"food-aps/internal/changeover"
	"food-aps/internal/engine"
	"food-aps/internal/store"
	"food-aps/internal/strategy"
	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := changeover.NewMatrix(nil, changeover.Options{DefaultMinutes: 45, InitialSetupMinutes: 20})
	require.NoError(t, err)
	ws, err := strategy.NewWeightSet(strategy.DefaultWeights())
	require.NoError(t, err)
	s, err := engine.NewScheduler(engine.Deps{Matrix: m, Weights: ws, Now: func() time.Time { return now }},
		engine.Options{Horizon: 48 * time.Hour, MaterialThreshold: 0.8}, logger)
	require.NoError(t, err)
	require.NoError(t, s.Load(&store.Dataset{
		Lines: []types.ProductionLine{{ID: "L1", StandardCapacity: 600, Efficiency: 1, CurrentCategory: "SeafoodA",
			CompatibleCategories: []string{"SeafoodA"}, SkillLevel: 3, MinWorkers: 1, MaxWorkers: 3, Active: true}},
		Workers: []types.ProductionWorker{{ID: "W1", SkillLevel: 3, LineID: "L1", Active: true}},
	}))
	srv := httptest.NewServer(NewRouter(s, Options{RequestTimeout: 5 * time.Second}, logger))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestHealthzAndTraceID(t *testing.T) {
	srv := newServer(t)
	resp, body := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
}

func TestOrderLifecycle(t *testing.T) {
	srv := newServer(t)
	o := types.ProductionOrder{ID: "A1", ProductCategory: "SeafoodA", Quantity: 300, Deadline: now.Add(10 * time.Hour), MaterialReadyRatio: 1}

	resp, _ := do(t, srv, http.MethodPost, "/api/orders", o)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/orders", o)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/api/orders/A1/duration?line_id=L1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dur struct {
		Minutes float64 `json:"minutes"`
	}
	require.NoError(t, json.Unmarshal(body, &dur))
	assert.InDelta(t, 30, dur.Minutes, 1e-9)

	resp, body = do(t, srv, http.MethodPost, "/api/orders/A1/schedule", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scheduled struct {
		Candidates []types.LineCandidate `json:"candidates"`
		Task       types.ScheduleTask    `json:"task"`
	}
	require.NoError(t, json.Unmarshal(body, &scheduled))
	require.Len(t, scheduled.Candidates, 1)
	assert.Equal(t, "L1", scheduled.Task.LineID)

	resp, _ = do(t, srv, http.MethodGet, "/api/tasks/"+scheduled.Task.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/orders/A1/schedule", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestNotFoundAndInfeasible(t *testing.T) {
	srv := newServer(t)
	resp, _ := do(t, srv, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	o := types.ProductionOrder{ID: "D1", ProductCategory: "Dairy", Quantity: 100, Deadline: now.Add(time.Hour), MaterialReadyRatio: 1}
	resp, _ = do(t, srv, http.MethodPost, "/api/orders", o)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := do(t, srv, http.MethodPost, "/api/orders/D1/schedule", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var er errorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, types.RejectCategory, er.Reason)
	assert.NotEmpty(t, er.Rejections)
}

func TestStrategyWeights(t *testing.T) {
	srv := newServer(t)
	resp, _ := do(t, srv, http.MethodPut, "/api/strategy/weights", map[string]float64{strategy.EarliestDeadline: 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/api/strategy/weights", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var w strategy.Weights
	require.NoError(t, json.Unmarshal(body, &w))
	assert.Equal(t, strategy.DefaultWeights(), w)
}

func TestUrgentInsertAndChangeover(t *testing.T) {
	srv := newServer(t)
	o := types.ProductionOrder{ID: "U1", ProductCategory: "SeafoodA", Quantity: 120, Deadline: now.Add(3 * time.Hour), MaterialReadyRatio: 1}
	resp, body := do(t, srv, http.MethodPost, "/api/urgent", o)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res types.InsertResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)

	resp, _ = do(t, srv, http.MethodGet, "/api/urgent/"+res.ProposalID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/urgent/"+res.ProposalID+"/lock", map[string]string{"slot_id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/changeover?from=SeafoodA&to=SeafoodB&line_id=L1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var co struct {
		Minutes float64 `json:"minutes"`
	}
	require.NoError(t, json.Unmarshal(body, &co))
	assert.Equal(t, 45.0, co.Minutes)
}

func TestBatchAndStats(t *testing.T) {
	srv := newServer(t)
	resp, body := do(t, srv, http.MethodPost, "/api/schedule/batch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res types.SchedulingResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Zero(t, res.TotalOrders)

	resp, _ = do(t, srv, http.MethodPost, "/api/schedule/reschedule", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.EqualValues(t, 1, stats["batches"])
}
