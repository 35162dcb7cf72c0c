package eventrouter

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, r *Router) (*httptest.Server, func(sessionID string) *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	t.Cleanup(srv.Close)

	dial := func(sessionID string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=" + sessionID
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return srv, dial
}

func waitForClient(t *testing.T, r *Router, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.HasClient(sessionID) {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never registered", sessionID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitRoutesToOwningSessionOnly(t *testing.T) {
	r := New(nil, nil, nil)
	_, dial := newTestServer(t, r)

	connA := dial("session-a")
	connB := dial("session-b")
	waitForClient(t, r, "session-a")
	waitForClient(t, r, "session-b")

	require.NoError(t, r.Emit("session-a", EventObservationStatusUpdate, map[string]string{"id": "obs-1"}))

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := connA.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventObservationStatusUpdate, env.Type)

	// The other session's room must stay silent.
	connB.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err = connB.ReadMessage()
	assert.Error(t, err)
}

func TestEmitBinaryCarriesTag(t *testing.T) {
	r := New(nil, nil, nil)
	_, dial := newTestServer(t, r)
	conn := dial("session-a")
	waitForClient(t, r, "session-a")

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	require.True(t, r.EmitBinary("session-a", TagAudioData, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	require.NotEmpty(t, raw)
	assert.Equal(t, TagAudioData, raw[0])
	assert.Equal(t, payload, raw[1:])
}

func TestEmitToUnknownSessionIsNoop(t *testing.T) {
	r := New(nil, nil, nil)
	assert.NoError(t, r.Emit("nobody", EventSystemInfo, nil))
	assert.False(t, r.EmitBinary("nobody", TagFFTData, []byte{1}))
}

func TestCommandBuses(t *testing.T) {
	r := New(nil, nil, nil)
	r.HandleRequest("get-state", func(sessionID string, data json.RawMessage) (any, error) {
		return map[string]string{"session": sessionID}, nil
	})
	r.HandleSubmission("set-vfo", func(sessionID string, data json.RawMessage) (any, error) {
		return nil, errors.New("vfo 9 out of range")
	})
	_, dial := newTestServer(t, r)
	conn := dial("session-a")
	waitForClient(t, r, "session-a")

	send := func(bus, cmd string, id uint64) reply {
		require.NoError(t, conn.WriteJSON(map[string]any{"bus": bus, "cmd": cmd, "id": id, "data": map[string]int{"vfo": 9}}))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var resp reply
		require.NoError(t, conn.ReadJSON(&resp))
		return resp
	}

	resp := send(BusDataRequest, "get-state", 1)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, map[string]any{"session": "session-a"}, resp.Data)

	resp = send(BusDataSubmission, "set-vfo", 2)
	assert.False(t, resp.Success)
	assert.Equal(t, "vfo 9 out of range", resp.Error)

	resp = send(BusDataRequest, "no-such-cmd", 3)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")

	resp = send("bogus-bus", "get-state", 4)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown bus")
}

func TestSessionValidatorRejectsUnknown(t *testing.T) {
	r := New(func(id string) bool { return id == "known" }, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=stranger"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLargeEventIsGzipCompressed(t *testing.T) {
	r := New(nil, nil, nil)
	_, dial := newTestServer(t, r)
	conn := dial("session-a")
	waitForClient(t, r, "session-a")

	big := make([]string, 1024)
	for i := range big {
		big[i] = "satellite-pass-entry"
	}
	require.NoError(t, r.Emit("session-a", EventScheduledObservationsChanged, big))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	require.True(t, len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b, "expected gzip magic")

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(plain, &env))
	assert.Equal(t, EventScheduledObservationsChanged, env.Type)
}

func TestDisconnectCallback(t *testing.T) {
	gone := make(chan string, 1)
	r := New(nil, func(id string) { gone <- id }, nil)
	_, dial := newTestServer(t, r)
	conn := dial("session-a")
	waitForClient(t, r, "session-a")

	conn.Close()
	select {
	case id := <-gone:
		assert.Equal(t, "session-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("onDisconnect never fired")
	}
}
