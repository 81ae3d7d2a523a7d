package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

// fakeRunner publishes a short event sequence, optionally waiting on gate first
type fakeRunner struct {
	events      *streaming.Manager
	gate        chan struct{}
	checkpoints *state.Checkpoints
}

func (f *fakeRunner) RunWithID(ctx context.Context, runID, query string) (orchestrator.Result, error) {
	f.events.Publish(runID, streaming.Event{Type: streaming.EventRunStarted, Message: query})
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			f.events.Publish(runID, streaming.Event{Type: streaming.EventRunFailed, Message: ctx.Err().Error()})
			return orchestrator.Result{RunID: runID}, ctx.Err()
		}
	}
	if f.checkpoints != nil {
		s := state.Merge(state.New(query), state.Partial{}.WithIteration(1))
		if _, err := f.checkpoints.Save(runID, "PLAN", s, nil); err != nil {
			return orchestrator.Result{RunID: runID}, err
		}
	}
	f.events.Publish(runID, streaming.Event{Type: streaming.EventNodeCompleted, Node: "PLAN", Iteration: 1})
	f.events.Publish(runID, streaming.Event{Type: streaming.EventRunCompleted, Iteration: 1})
	return orchestrator.Result{RunID: runID, Report: "report for " + query, Iterations: 1}, nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, *fakeRunner) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if opts.Events == nil {
		opts.Events = streaming.NewManager(streaming.Config{}, nil, logger)
	}
	runner, _ := opts.Runner.(*fakeRunner)
	if runner == nil {
		runner = &fakeRunner{events: opts.Events}
		opts.Runner = runner
	}
	if cps, ok := opts.Checkpoints.(*state.Checkpoints); ok {
		runner.checkpoints = cps
	}
	srv := NewServer(opts, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts, runner
}

func startRun(t *testing.T, ts *httptest.Server, query string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/research", "application/json", strings.NewReader(`{"query":"`+query+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.RunID)
	assert.Equal(t, "/stream/sse?run_id="+out.RunID, out.StreamURL)
	return out.RunID
}

func getStatus(t *testing.T, ts *httptest.Server, id string) (int, RunInfo) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/research/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var info RunInfo
	_ = json.NewDecoder(resp.Body).Decode(&info)
	return resp.StatusCode, info
}

func TestStartAndPollRun(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	id := startRun(t, ts, "who leads Versace")

	require.Eventually(t, func() bool {
		_, info := getStatus(t, ts, id)
		return info.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	code, info := getStatus(t, ts, id)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "who leads Versace", info.Query)
	assert.Equal(t, "report for who leads Versace", info.Report)
	assert.Equal(t, 1, info.Iterations)
	assert.NotNil(t, info.FinishedAt)
}

func TestStartRejectsBadInput(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	for _, body := range []string{`{"query":"   "}`, `not json`} {
		resp, err := http.Post(ts.URL+"/research", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestStatusFallsBackToReportStore(t *testing.T) {
	store, err := reports.NewFileStore(t.TempDir(), reports.FormatYAML)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "old-run", reports.Record{RunID: "old-run", UserQuery: "q", Report: "saved", Iterations: 2}))
	_, ts, _ := newTestServer(t, Options{Reports: store})

	code, info := getStatus(t, ts, "old-run")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Equal(t, "saved", info.Report)

	code, _ = getStatus(t, ts, "missing")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get(ts.URL + "/reports?limit=5")
	require.NoError(t, err)
	var list struct {
		Reports []reports.Record `json:"reports"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Reports, 1)
	assert.Equal(t, "old-run", list.Reports[0].Name)

	resp, err = http.Get(ts.URL + "/reports?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/reports/old-run")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSE_ReplayFinishedRun(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	id := startRun(t, ts, "q")
	require.Eventually(t, func() bool {
		_, info := getStatus(t, ts, id)
		return info.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/stream/sse?run_id=" + id)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	text := string(body)
	assert.Equal(t, 3, strings.Count(text, "event: "))
	assert.Less(t, strings.Index(text, "id: 1\nevent: RUN_STARTED"), strings.Index(text, "id: 3\nevent: RUN_COMPLETED"))

	resp, err = http.Get(ts.URL + "/stream/sse?run_id=" + id + "&types=RUN_COMPLETED&last_event_id=1")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 1, strings.Count(string(body), "event: "))
	assert.Contains(t, string(body), "event: RUN_COMPLETED")

	resp, err = http.Get(ts.URL + "/stream/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSE_LiveRun(t *testing.T) {
	gate := make(chan struct{})
	events := streaming.NewManager(streaming.Config{}, nil, zaptest.NewLogger(t))
	_, ts, _ := newTestServer(t, Options{Events: events, Runner: &fakeRunner{events: events, gate: gate}})
	id := startRun(t, ts, "q")

	resp, err := http.Get(ts.URL + "/stream/sse?run_id=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	close(gate)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), "event: RUN_STARTED"))
	assert.Contains(t, string(body), "event: RUN_COMPLETED")
}

func TestWebSocket(t *testing.T) {
	gate := make(chan struct{})
	events := streaming.NewManager(streaming.Config{}, nil, zaptest.NewLogger(t))
	_, ts, _ := newTestServer(t, Options{Events: events, Runner: &fakeRunner{events: events, gate: gate}})
	id := startRun(t, ts, "q")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/ws?run_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	close(gate)

	var got []streaming.Event
	for {
		var evt streaming.Event
		if err := conn.ReadJSON(&evt); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		got = append(got, evt)
	}
	require.Len(t, got, 3)
	assert.Equal(t, streaming.EventRunStarted, got[0].Type)
	assert.True(t, got[2].Terminal())
}

func TestShutdownCancelsRuns(t *testing.T) {
	events := streaming.NewManager(streaming.Config{}, nil, zaptest.NewLogger(t))
	srv, ts, _ := newTestServer(t, Options{Events: events, Runner: &fakeRunner{events: events, gate: make(chan struct{})}})
	id := startRun(t, ts, "q")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, info := getStatus(t, ts, id)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Contains(t, info.Error, "context canceled")
}

func TestAuthRequired(t *testing.T) {
	jwtManager := auth.NewJWTManager("secret", time.Minute)
	_, ts, _ := newTestServer(t, Options{Auth: auth.NewMiddleware(jwtManager, false)})

	resp, err := http.Post(ts.URL+"/research", "application/json", strings.NewReader(`{"query":"q"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwtManager.GenerateToken("user", "", auth.ScopeResearchRead, auth.ScopeResearchWrite)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/research", bytes.NewBufferString(`{"query":"q"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// health stays open
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunRegistryEviction(t *testing.T) {
	var evicted []string
	reg := newRunRegistry(2, func(id string) { evicted = append(evicted, id) })
	now := time.Now()

	reg.start("a", "q", now)
	reg.start("b", "q", now)
	reg.finish("b", orchestrator.Result{}, nil, now)
	reg.start("c", "q", now)

	assert.Equal(t, []string{"b"}, evicted)
	_, ok := reg.get("a")
	assert.True(t, ok, "running runs are kept")
	_, ok = reg.get("b")
	assert.False(t, ok)
}

func TestCheckpointsReadAndReleasedOnEviction(t *testing.T) {
	cps := state.NewCheckpoints(0)
	_, ts, _ := newTestServer(t, Options{Checkpoints: cps, MaxRuns: 1})

	waitDone := func(id string) {
		require.Eventually(t, func() bool {
			_, info := getStatus(t, ts, id)
			return info.Status == StatusCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}

	first := startRun(t, ts, "first")
	waitDone(first)

	resp, err := http.Get(ts.URL + "/research/" + first + "/checkpoints")
	require.NoError(t, err)
	var listed struct {
		Checkpoints []checkpointInfo `json:"checkpoints"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed.Checkpoints, 1)
	assert.Equal(t, "PLAN", listed.Checkpoints[0].Node)

	resp, err = http.Get(ts.URL + "/research/" + first + "/checkpoints/" + listed.Checkpoints[0].ID)
	require.NoError(t, err)
	var restored state.ResearchState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&restored))
	resp.Body.Close()
	assert.Equal(t, "first", restored.UserQuery)
	assert.Equal(t, 1, restored.Iteration)

	resp, err = http.Get(ts.URL + "/research/" + first + "/checkpoints/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	second := startRun(t, ts, "second")
	waitDone(second)

	assert.Empty(t, cps.List(first), "evicted run keeps no checkpoints")
	assert.Equal(t, []string{second}, cps.Runs())
	resp, err = http.Get(ts.URL + "/research/" + first + "/checkpoints")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
