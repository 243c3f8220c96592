package operator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatecam/tracking"
)

type fakeHistory struct {
	runs []tracking.Run
	best *tracking.Run
	err  error
}

func (f *fakeHistory) Recent(ctx context.Context, course string, limit int) ([]tracking.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeHistory) Best(ctx context.Context, course string) (tracking.Run, bool, error) {
	if f.best == nil {
		return tracking.Run{}, false, nil
	}
	return *f.best, true, nil
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?clientId=judge"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestCommandIsQueuedAndAcknowledged(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: "FORCE_START"}))
	ack := readMessage(t, conn)
	assert.Equal(t, "ACK", ack.Type)
	assert.Equal(t, "judge", ack.ClientID)
	assert.JSONEq(t, `{"event":"FORCE_START"}`, string(ack.Payload))

	select {
	case ev := <-s.Events():
		assert.Equal(t, tracking.EventForceStart, ev)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnknownCommandAndPing(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: "PAN_LEFT"}))
	assert.Equal(t, "ERROR", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "PING"}))
	assert.Equal(t, "PONG", readMessage(t, conn).Type)

	assert.Empty(t, s.Events())
}

func TestCommandQueueFull(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	for i := 0; i < eventBuffer; i++ {
		s.events <- tracking.EventForceReset
	}
	reply := s.handleMessage("judge", Message{Type: "reset"})
	assert.Equal(t, "ERROR", reply.Type)
	assert.Contains(t, string(reply.Payload), "queue full")
}

func TestPublishReachesClients(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 10*time.Millisecond)

	s.Publish(tracking.Snapshot{State: tracking.StateTracking, StateName: "TRACKING", GateIndex: 4, NumGates: 12})
	msg := readMessage(t, conn)
	assert.Equal(t, "STATUS", msg.Type)

	var snap tracking.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	assert.Equal(t, "TRACKING", snap.StateName)
	assert.Equal(t, 4, snap.GateIndex)

	// a late joiner gets the last status straight away
	other := dial(t, srv)
	assert.Equal(t, "STATUS", readMessage(t, other).Type)
}

func TestRunsEndpoint(t *testing.T) {
	fast := tracking.Run{ID: "fast", Course: "GS", Duration: 39 * time.Second, Outcome: tracking.OutcomeFinished}
	h := &fakeHistory{runs: []tracking.Run{fast, {ID: "lost", Course: "GS", Outcome: tracking.OutcomeLost}}, best: &fast}
	srv := httptest.NewServer(NewServer("127.0.0.1:0", h).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs?course=GS&limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body runsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "fast", body.Runs[0].ID)
	require.NotNil(t, body.Best)
	assert.Equal(t, 39*time.Second, body.Best.Duration)
}

func TestRunsEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		history History
		query   string
		method  string
		want    int
	}{
		{"disabled", nil, "", http.MethodGet, http.StatusNotFound},
		{"bad limit", &fakeHistory{}, "?limit=abc", http.MethodGet, http.StatusBadRequest},
		{"store failure", &fakeHistory{err: errors.New("locked")}, "", http.MethodGet, http.StatusInternalServerError},
		{"post", &fakeHistory{}, "", http.MethodPost, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("127.0.0.1:0", tt.history)
			req := httptest.NewRequest(tt.method, "/runs"+tt.query, nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestEmptyHistoryIsEmptyList(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeHistory{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	first := dial(t, srv)
	require.NoError(t, first.WriteJSON(Message{Type: "PING"}))
	assert.Equal(t, "PONG", readMessage(t, first).Type)

	second := dial(t, srv)
	require.NoError(t, second.WriteJSON(Message{Type: "PING"}))
	assert.Equal(t, "PONG", readMessage(t, second).Type)

	// the displaced connection is closed by the server
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "expected a close, got a read timeout")
	}

	assert.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Publish(tracking.Snapshot{StateName: "WAITING", Course: "GS"})
	msg := readMessage(t, second)
	assert.Equal(t, "STATUS", msg.Type)
}
