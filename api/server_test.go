package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gridbot/grid"
	"gridbot/kernel"
	"gridbot/ledger"
	"gridbot/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status kernel.Status
	curve  []ledger.EquitySnapshot
}

func (f *fakeSource) Status() kernel.Status                { return f.status }
func (f *fakeSource) EquityCurve() []ledger.EquitySnapshot { return f.curve }

func newSource() *fakeSource {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var curve []ledger.EquitySnapshot
	for i, eq := range []int64{1000, 1010, 1005} {
		curve = append(curve, ledger.EquitySnapshot{Timestamp: start.Add(time.Duration(i) * time.Hour), Equity: decimal.NewFromInt(eq)})
	}
	return &fakeSource{
		status: kernel.Status{
			RunID:         "r1",
			Symbol:        "SOLUSDT",
			State:         kernel.StateRunning,
			InitialEquity: decimal.NewFromInt(1000),
			Levels: []grid.Level{
				{Index: 0, Price: decimal.NewFromInt(196), Quantity: decimal.RequireFromString("1.0204"), Intent: grid.IntentBuy},
				{Index: 1, Price: decimal.NewFromInt(206), Quantity: decimal.RequireFromString("0.9708"), Intent: grid.IntentSell},
			},
		},
		curve: curve,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestStatusEndpoints(t *testing.T) {
	h := NewServer(newSource(), nil, nil, 0).Handler()

	w := get(t, h, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	decode(t, w, &status)
	assert.Equal(t, "r1", status["run_id"])
	assert.Equal(t, "running", status["state"])

	w = get(t, h, "/api/levels")
	require.Equal(t, http.StatusOK, w.Code)
	var levels []map[string]interface{}
	decode(t, w, &levels)
	require.Len(t, levels, 2)
	assert.Equal(t, "196", levels[0]["price"])

	w = get(t, h, "/api/summary")
	require.Equal(t, http.StatusOK, w.Code)
	var summary map[string]interface{}
	decode(t, w, &summary)
	assert.Equal(t, "0.005", summary["roi"])
}

func TestEquityLimit(t *testing.T) {
	h := NewServer(newSource(), nil, nil, 0).Handler()

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{"all", "", http.StatusOK, 3},
		{"latest two", "?limit=2", http.StatusOK, 2},
		{"limit above length", "?limit=10", http.StatusOK, 3},
		{"not a number", "?limit=bad", http.StatusBadRequest, 0},
		{"negative", "?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, h, "/api/equity"+tt.query)
			require.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				return
			}
			var curve []ledger.EquitySnapshot
			decode(t, w, &curve)
			assert.Len(t, curve, tt.count)
		})
	}
}

func TestWithoutSourceOrStore(t *testing.T) {
	h := NewServer(nil, nil, nil, 0).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/api/status").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/api/runs").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}

func TestRunEndpoints(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Run().Save(ctx, &store.RunModel{ID: "r1", Mode: "backtest", Symbol: "SOLUSDT", State: "running"}))
	require.NoError(t, st.SaveLadder(ctx, "r1", newSource().status.Levels))
	require.NoError(t, st.SaveEvent(ctx, "r1", "state", "running", time.Now()))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("gridbot_up 1\n"))
	})
	h := NewServer(newSource(), st, metrics, 0).Handler()

	w := get(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []store.RunModel
	decode(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	w = get(t, h, "/api/runs/r1")
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Run    store.RunModel     `json:"run"`
		Levels []store.LevelModel `json:"levels"`
	}
	decode(t, w, &detail)
	assert.Equal(t, "backtest", detail.Run.Mode)
	assert.Len(t, detail.Levels, 2)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/nope").Code)

	w = get(t, h, "/api/runs/r1/orders")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = get(t, h, "/api/runs/r1/events")
	require.Equal(t, http.StatusOK, w.Code)
	var events []store.EventModel
	decode(t, w, &events)
	assert.Len(t, events, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/runs/r1/equity?limit=x").Code)

	w = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gridbot_up")
}

func TestCORSPreflight(t *testing.T) {
	h := NewServer(newSource(), nil, nil, 0).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
