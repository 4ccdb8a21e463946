// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/metrics"
	"grimm.is/tunwall/internal/rules"
	"grimm.is/tunwall/internal/scheduler"
	"grimm.is/tunwall/internal/vpn"
)

type fakePipeline struct{ status vpn.Status }

func (f *fakePipeline) Status() vpn.Status { return f.status }

func newTestServer(t *testing.T) (*Server, *fakePipeline, *atomic.Int32) {
	t.Helper()
	pipe := &fakePipeline{status: vpn.Status{Running: true, Device: "tun0", TCPFlows: 3, PacketsRead: 42}}

	g := rules.NewGrid()
	g.AddHTTP("example", rules.HTTPTemplates{GET: "hi"})
	snap, err := rules.Compile(g, "inline")
	require.NoError(t, err)
	table := rules.NewTable(nil)
	table.Store(snap)

	var runs atomic.Int32
	sched := scheduler.New(nil)
	require.NoError(t, sched.AddTask(&scheduler.Task{
		ID:       "rules-refresh",
		Name:     "Refresh rules",
		Schedule: scheduler.Every(time.Hour),
		Enabled:  true,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	sched.Start()
	t.Cleanup(sched.Stop)

	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	m.PacketsRead.Add(42)

	s, err := NewServer(ServerOptions{Pipeline: pipe, Rules: table, Tasks: sched, Gatherer: reg})
	require.NoError(t, err)
	return s, pipe, &runs
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Pipeline.Running)
	assert.Equal(t, 3, resp.Pipeline.TCPFlows)
	assert.Equal(t, uint64(42), resp.Pipeline.PacketsRead)
	assert.Equal(t, uint64(1), resp.Rules.Version)
	assert.Equal(t, 1, resp.Rules.HTTPRules)
	assert.Equal(t, "inline", resp.Rules.Source)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "rules-refresh", resp.Tasks[0].ID)
}

func TestHealth(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz").Code)

	pipe.status.Running = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/healthz").Code)
}

func TestTasks(t *testing.T) {
	s, _, runs := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/tasks/rules-refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.TaskStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "Refresh rules", st.Name)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/tasks/nope").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/tasks/nope/run").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/tasks/rules-refresh/run").Code)

	rec = do(t, s, http.MethodPost, "/tasks/rules-refresh/run")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tunwall_device_packets_read_total 42")
}

func TestWithoutOptionalSources(t *testing.T) {
	s, err := NewServer(ServerOptions{Pipeline: &fakePipeline{}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics").Code)
	rec := do(t, s, http.MethodGet, "/rules")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":0,"compiled":"0001-01-01T00:00:00Z","dns_rules":0,"http_rules":0}`, rec.Body.String())
	assert.Equal(t, "[]\n", do(t, s, http.MethodGet, "/tasks").Body.String())

	_, err = NewServer(ServerOptions{})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "ok"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(errors.New(errors.KindConflict, "x")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.New(errors.KindUnavailable, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}

func TestStatusStream(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.opts.Config.StreamInterval = 20 * time.Millisecond

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/status/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first StatusResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 3, first.Pipeline.TCPFlows)
	assert.Equal(t, uint64(1), first.Rules.Version)

	var second StatusResponse
	require.NoError(t, conn.ReadJSON(&second))
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}

func TestStatusStreamRejectsForeignOrigin(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/status/stream", hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConfigEndpoints(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tun.MTU = 1400
	cfg.Rules.Feed = &config.FeedConfig{URL: "https://feed.example/rules", Passphrase: "hunter2"}

	s, err := NewServer(ServerOptions{Pipeline: &fakePipeline{}, Settings: cfg})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/config")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1400")
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = do(t, s, http.MethodGet, "/config/diff")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "--- defaults")
	assert.Contains(t, rec.Body.String(), "+++ running")

	s, err = NewServer(ServerOptions{Pipeline: &fakePipeline{}, Settings: config.DefaultConfig()})
	require.NoError(t, err)
	assert.Equal(t, "No changes.\n", do(t, s, http.MethodGet, "/config/diff").Body.String())

	s, err = NewServer(ServerOptions{Pipeline: &fakePipeline{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/config").Code)
}
