package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/ingestioncore/common/logger"
	"github.com/buildbeaver/ingestioncore/server/services/broker"
	"github.com/buildbeaver/ingestioncore/server/services/dependency"
	"github.com/buildbeaver/ingestioncore/server/services/health"
	"github.com/buildbeaver/ingestioncore/server/services/job"
	"github.com/buildbeaver/ingestioncore/server/services/progressbus"
	"github.com/buildbeaver/ingestioncore/server/services/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	b := broker.New(rdb, logger.NoOpLogFactory, broker.Config{})
	bus := progressbus.New(rdb, logger.NoOpLogFactory)
	sched := dependency.New(rdb, logger.NoOpLogFactory)
	reg := registry.New(logger.NoOpLogFactory)
	require.NoError(t, reg.Discover())
	jobs := job.New(b, bus, sched, reg, logger.NoOpLogFactory)

	healthSvc := health.New("broker", time.Second)
	healthSvc.Register("broker", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	return New(jobs, bus, healthSvc, logger.NoOpLogFactory)
}

func TestHandleStart_ValidRequestReturns202(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"source_type": "local_path",
		"source":      "/repo",
		"steps":       []string{"filesystem"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result job.StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.JobID)
}

func TestHandleStart_MalformedBodyReturns400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGet_UnknownJobReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/ingest/does-not-exist", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth_ReportsHealthyWhenBrokerReachable(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var composite health.Composite
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &composite))
	require.Equal(t, health.StatusHealthy, composite.Status)
}

func TestHandleWebSocket_UnknownJobClosesWithPolicyViolation(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ingest/ws/status/does-not-exist"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "the upgrade itself must succeed before the close")
	t.Cleanup(func() { conn.Close() })

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close code 1008, got %v", err)
}

func TestHandleList_RejectsUnknownSortField(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/ingest/?sort_by=bogus", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
