package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conflux "github.com/conneroisu/conflux"
)

const testOrigin = "http://client.test"

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{testOrigin}},
	})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) updateMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg updateMessage
	require.NoError(t, json.Unmarshal(data, &msg))

	return msg
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()

		return len(s.hub.clients) == n
	}, 3*time.Second, 5*time.Millisecond)
}

func TestWebSocket_HelloCarriesCurrentVersion(t *testing.T) {
	src := &fakeSource{version: 41}
	_, ts := newTestServer(t, src, Options{AllowedOrigins: []string{testOrigin}})

	conn := dialWS(t, ts)

	hello := readMessage(t, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, uint64(41), hello.Version)
}

func TestWebSocket_BroadcastsUpdates(t *testing.T) {
	src := &fakeSource{version: 1}
	s, ts := newTestServer(t, src, Options{AllowedOrigins: []string{testOrigin}})

	conn := dialWS(t, ts)
	_ = readMessage(t, conn) // hello
	waitForClients(t, s, 1)

	src.emit(conflux.UpdateEvent{
		Version: 2,
		Paths:   []string{"/etc/app.yaml"},
		Applied: 1,
		At:      time.Now(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "config_update", msg.Type)
	assert.Equal(t, uint64(2), msg.Version)
	assert.Equal(t, []string{"/etc/app.yaml"}, msg.Paths)
	assert.Equal(t, 1, msg.Applied)
}

func TestWebSocket_FansOutToAllClients(t *testing.T) {
	src := &fakeSource{}
	s, ts := newTestServer(t, src, Options{AllowedOrigins: []string{testOrigin}})

	first := dialWS(t, ts)
	second := dialWS(t, ts)
	_ = readMessage(t, first)
	_ = readMessage(t, second)
	waitForClients(t, s, 2)

	src.emit(conflux.UpdateEvent{Version: 5, Applied: 2, At: time.Now()})

	assert.Equal(t, uint64(5), readMessage(t, first).Version)
	assert.Equal(t, uint64(5), readMessage(t, second).Version)
}

func TestWebSocket_RejectsMissingOrigin(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{AllowedOrigins: []string{testOrigin}})

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	src := &fakeSource{}
	_, ts := newTestServer(t, src, Options{AllowedOrigins: []string{testOrigin}})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_ShutdownDisconnectsClients(t *testing.T) {
	src := &fakeSource{}
	s, ts := newTestServer(t, src, Options{AllowedOrigins: []string{testOrigin}})

	conn := dialWS(t, ts)
	_ = readMessage(t, conn)
	waitForClients(t, s, 1)

	require.NoError(t, s.Shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
