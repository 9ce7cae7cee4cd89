package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conflux "github.com/conneroisu/conflux"
)

// fakeSource is a canned Source; tests poke fields instead of running a
// real pipeline.
type fakeSource struct {
	mu         sync.Mutex
	stats      conflux.StoreStats
	version    uint64
	records    []conflux.UpdateRecord
	bindings   []conflux.BindingInfo
	paths      []string
	applyRes   conflux.UpdateResult
	applyErr   error
	applyCalls [][]string
	subs       []chan conflux.UpdateEvent
}

func (f *fakeSource) Stats() conflux.StoreStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stats
}

func (f *fakeSource) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.version
}

func (f *fakeSource) Records() []conflux.UpdateRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.records
}

func (f *fakeSource) Bindings() []conflux.BindingInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.bindings
}

func (f *fakeSource) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.paths
}

func (f *fakeSource) ApplyNow(_ context.Context, paths ...string) (conflux.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls = append(f.applyCalls, paths)

	return f.applyRes, f.applyErr
}

func (f *fakeSource) Subscribe() <-chan conflux.UpdateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan conflux.UpdateEvent, 16)
	f.subs = append(f.subs, ch)

	return ch
}

func (f *fakeSource) Unsubscribe(ch <-chan conflux.UpdateEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if (<-chan conflux.UpdateEvent)(sub) == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(sub)

			return
		}
	}
}

func (f *fakeSource) emit(ev conflux.UpdateEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

func fixtureStats() conflux.StoreStats {
	return conflux.StoreStats{
		Registry: conflux.RegistryStats{Created: 10, Active: 4, Bytes: 512, Hits: 9},
		Version:  7,
		Bindings: 2,
		Watcher:  conflux.WatcherStats{Backend: "fsnotify", Latency: 30 * time.Millisecond},
		Updater:  conflux.UpdaterStats{Batches: 3, Applied: 5},
	}
}

// newTestServer serves the full handler tree over httptest, with the hub
// and event forwarding running the way Start would run them.
func newTestServer(t *testing.T, src *fakeSource, opts Options) (*Server, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := New(src, opts, nil)
	go s.hub.run(ctx)
	events := src.Subscribe()
	go s.forwardEvents(ctx, events)

	ts := httptest.NewServer(s.routes(ctx))
	t.Cleanup(ts.Close)

	return s, ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp
}

func TestHandleHealth(t *testing.T) {
	src := &fakeSource{stats: fixtureStats()}
	_, ts := newTestServer(t, src, Options{})

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Checks  map[string]map[string]any
	}
	resp := getJSON(t, ts.URL+"/healthz", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "healthy", body.Status)
	assert.NotEmpty(t, body.Version)
	assert.Equal(t, "fsnotify", body.Checks["watcher"]["backend"])
	assert.Equal(t, float64(4), body.Checks["registry"]["handles"])
	assert.Equal(t, float64(7), body.Checks["store"]["config_version"])
}

func TestHandleHealth_MethodNotAllowed(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleStats(t *testing.T) {
	src := &fakeSource{stats: fixtureStats()}
	_, ts := newTestServer(t, src, Options{})

	var got conflux.StoreStats
	resp := getJSON(t, ts.URL+"/api/stats", &got)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fixtureStats(), got)
}

func TestHandleRecords(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{records: []conflux.UpdateRecord{
		{Version: 1, At: at, Paths: []string{"/etc/app.yaml"}, HandleIDs: []conflux.HandleID{3}, Applied: 1},
		{Version: 2, At: at.Add(time.Minute), Applied: 0, Failed: 1, Err: "parse failed"},
	}}
	_, ts := newTestServer(t, src, Options{})

	var body struct {
		Records []recordView `json:"records"`
		Count   int          `json:"count"`
	}
	resp := getJSON(t, ts.URL+"/api/records", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Records, 2)
	assert.Equal(t, uint64(1), body.Records[0].Version)
	assert.Equal(t, []string{"/etc/app.yaml"}, body.Records[0].Paths)
	assert.Empty(t, body.Records[0].Error)
	assert.Equal(t, "parse failed", body.Records[1].Error)
}

func TestHandleBindings(t *testing.T) {
	src := &fakeSource{
		version: 9,
		bindings: []conflux.BindingInfo{
			{Path: "/etc/app.yaml", Handle: 1, Type: "main.appConfig"},
		},
	}
	_, ts := newTestServer(t, src, Options{})

	var body struct {
		Bindings []conflux.BindingInfo `json:"bindings"`
		Version  uint64                `json:"version"`
	}
	resp := getJSON(t, ts.URL+"/api/bindings", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(9), body.Version)
	require.Len(t, body.Bindings, 1)
	assert.Equal(t, conflux.HandleID(1), body.Bindings[0].Handle)
}

func TestHandleApply(t *testing.T) {
	src := &fakeSource{applyRes: conflux.UpdateResult{
		Version: 3,
		Applied: []conflux.AppliedChange{{Path: "/a", Handle: 1}, {Path: "/a", Handle: 2}},
	}}
	_, ts := newTestServer(t, src, Options{})

	payload := bytes.NewBufferString(`{"paths": ["/a"]}`)
	resp, err := http.Post(ts.URL+"/api/apply", "application/json", payload)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body applyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(3), body.Version)
	assert.Equal(t, 2, body.Applied)
	assert.Zero(t, body.Failed)

	require.Len(t, src.applyCalls, 1)
	assert.Equal(t, []string{"/a"}, src.applyCalls[0])
}

func TestHandleApply_EmptyBodyMeansAllPaths(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Post(ts.URL+"/api/apply", "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, src.applyCalls, 1)
	assert.Empty(t, src.applyCalls[0])
}

func TestHandleApply_PartialFailureIsMultiStatus(t *testing.T) {
	src := &fakeSource{applyRes: conflux.UpdateResult{
		Version: 4,
		Applied: []conflux.AppliedChange{{Path: "/a", Handle: 1}},
		Failed:  []conflux.FailedChange{{Path: "/b", Handle: 2, Err: errors.New("decode failed")}},
	}}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Post(ts.URL+"/api/apply", "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var body applyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Applied)
	assert.Equal(t, 1, body.Failed)
	require.Len(t, body.Errors, 1)
	assert.Contains(t, body.Errors[0], "decode failed")
}

func TestHandleApply_SourceError(t *testing.T) {
	src := &fakeSource{applyErr: errors.New("store is closed")}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Post(ts.URL+"/api/apply", "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandleApply_BadJSON(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Post(ts.URL+"/api/apply", "application/json", bytes.NewBufferString("{bad"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, src.applyCalls)
}

func TestHandleApply_MethodNotAllowed(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Get(ts.URL + "/api/apply")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	src := &fakeSource{stats: fixtureStats()}
	_, ts := newTestServer(t, src, Options{EnableMetrics: true})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "conflux_store_version 7")
}

func TestMetricsEndpoint_OffByDefault(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{AllowedOrigins: []string{"http://app.example"}})

	t.Run("allowed origin echoed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://app.example")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, "http://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("foreign origin gets no header", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://evil.example")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight succeeds", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/apply", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://app.example")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "GET, POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	})
}

func TestRateLimit(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{RateLimitRPS: 1, RateLimitBurst: 1})

	first, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Body.Close() })

	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
}

func TestServer_StartServesAndShutsDownCleanly(t *testing.T) {
	src := &fakeSource{stats: fixtureStats()}
	s := New(src, Options{Port: 0}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	s := New(src, Options{}, nil)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}
