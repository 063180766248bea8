package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/pool"
)

type fakePool struct {
	records []pool.WorkerRecord
	stats   pool.Stats
}

func (f *fakePool) Snapshot() []pool.WorkerRecord { return f.records }
func (f *fakePool) Stats() pool.Stats             { return f.stats }

type fakeDepth struct {
	depth int64
	err   error
	key   string
}

func (f *fakeDepth) Depth(_ context.Context, key string) (int64, error) {
	f.key = key
	return f.depth, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(cfg Config, q QueueDepth, hub *events.Hub, m *metrics.Metrics) *Server {
	p := &fakePool{
		records: []pool.WorkerRecord{
			{ID: "w0.0", Slot: 0, State: pool.StateIdle, ExecutionCount: 3},
			{ID: "w1.2", Slot: 1, Generation: 2, State: pool.StateBusy},
		},
		stats: pool.Stats{Dispatched: 10, Processed: 9, Failed: 1, Recycled: 2},
	}
	return New(cfg, p, q, hub, m, quietLogger())
}

func TestHealthzIsOpenWithToken(t *testing.T) {
	s := newTestServer(Config{Token: "secret"}, nil, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStatusReportsWorkersAndQueue(t *testing.T) {
	q := &fakeDepth{depth: 42}
	s := newTestServer(Config{Service: "svc", Backend: "redis", Queue: "jobs", Dispatchers: 2, PID: 99}, q, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "svc", resp.Service)
	assert.Equal(t, 99, resp.PID)
	assert.Equal(t, 2, resp.Dispatchers)
	assert.Equal(t, "jobs", q.key)
	assert.Equal(t, QueueStatus{Backend: "redis", Name: "jobs", Depth: 42}, resp.Queue)
	assert.Equal(t, uint64(10), resp.Stats.Dispatched)
	require.Len(t, resp.Workers, 2)
	assert.Equal(t, pool.StateBusy, resp.Workers[1].State)
	assert.Contains(t, rec.Body.String(), `"state":"busy"`)
}

func TestStatusSurvivesDepthError(t *testing.T) {
	q := &fakeDepth{err: errors.New("connection refused")}
	s := newTestServer(Config{Queue: "jobs"}, q, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(-1), resp.Queue.Depth)
	assert.Equal(t, "connection refused", resp.Queue.Error)
	assert.Len(t, resp.Workers, 2)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(Config{Token: "secret"}, &fakeDepth{}, nil, metrics.New("svc"))
	h := s.Handler()

	for _, path := range []string{"/status", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer wrong!")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req = httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New("svc")
	m.TasksTotal.WithLabelValues(metrics.OutcomeOK).Add(3)
	s := newTestServer(Config{}, nil, nil, m)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pushpool_tasks_total{outcome="ok",service="svc"} 3`)
}

func TestOptionalRoutesAbsent(t *testing.T) {
	s := newTestServer(Config{}, nil, nil, nil)
	h := s.Handler()

	for _, path := range []string{"/events", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestEventsReplayAndStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.WorkerStarted, events.WorkerData{WorkerID: "w0.0"})
	hub.Publish(events.WorkerStarted, events.WorkerData{WorkerID: "w1.0"})

	s := newTestServer(Config{}, nil, hub, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") || strings.HasPrefix(sc.Text(), "id: ") {
				lines <- sc.Text()
			}
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE line")
			return ""
		}
	}

	assert.Equal(t, "id: 2", next(), "events up to Last-Event-ID are skipped")
	assert.Contains(t, next(), `"worker_id":"w1.0"`)

	// The subscription is registered after the replay; keep publishing
	// until the live event shows up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.Publish(events.TaskCompleted, events.TaskData{TaskID: "t-live"})
		select {
		case l := <-lines:
			if strings.Contains(l, "t-live") {
				return
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("live event never arrived")
}

func TestStartServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := newTestServer(Config{Listen: addr}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	hub := events.NewHub(8)
	hub.Publish(events.DaemonStarted, map[string]any{"generation": 1})

	s := newTestServer(Config{Listen: addr}, nil, hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/events")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	// Read the replayed event so the handler is known to be streaming.
	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "id: 1", sc.Text())

	streamDone := make(chan struct{})
	go func() {
		for sc.Scan() {
		}
		close(streamDone)
	}()

	begin := time.Now()
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
		assert.Less(t, time.Since(begin), 2*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("Start stayed blocked on an open event stream")
	}

	select {
	case <-streamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream was not closed by shutdown")
	}
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("nope"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(17), parseLastEventID("17"))
}
