package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

func startTestHub(t *testing.T) *wsHub {
	t.Helper()
	hub := newWSHub(slog.Default())
	go hub.run()
	t.Cleanup(hub.Close)
	return hub
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v (raw: %s)", err, data)
	}
	return msg
}

func waitForClients(t *testing.T, hub *wsHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.clientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSFilter(t *testing.T) {
	f := parseWSFilter(url.Values{"topics": {"session, attempt"}, "session": {" s1 "}})
	tests := []struct {
		frame wsFrame
		want  bool
	}{
		{wsFrame{topic: topicSession, sessionID: "s1"}, true},
		{wsFrame{topic: topicAttempt, sessionID: "s1"}, true},
		{wsFrame{topic: topicSession, sessionID: "s2"}, false},
		{wsFrame{topic: topicAttempt}, false},
		{wsFrame{topic: "other", sessionID: "s1"}, false},
	}
	for _, tt := range tests {
		if got := f.accepts(tt.frame); got != tt.want {
			t.Errorf("accepts(%+v) = %v, want %v", tt.frame, got, tt.want)
		}
	}
	if f.wants(topicSnapshot) {
		t.Error("snapshot not requested")
	}

	all := parseWSFilter(url.Values{})
	if !all.accepts(wsFrame{topic: topicAttempt}) || !all.wants(topicSnapshot) {
		t.Error("zero filter must accept everything")
	}
}

func TestWSHub_RegisterUnregister(t *testing.T) {
	hub := startTestHub(t)
	client := &wsClient{hub: hub, send: make(chan []byte, 4)}

	if !hub.join(client) {
		t.Fatal("join failed on open hub")
	}
	waitForClients(t, hub, 1)

	hub.unregister <- client
	waitForClients(t, hub, 0)

	if _, ok := <-client.send; ok {
		t.Fatal("send channel should be closed after unregister")
	}
}

func TestWSHub_JoinAfterClose(t *testing.T) {
	hub := newWSHub(slog.Default())
	hub.Close()
	hub.Close()
	if hub.join(&wsClient{hub: hub, send: make(chan []byte, 1)}) {
		t.Fatal("join succeeded on a closed hub")
	}
}

func TestWSHub_PublishWithoutClientsIsNoop(t *testing.T) {
	hub := newWSHub(slog.Default())
	hub.publish(topicSession, "s1", map[string]string{"a": "b"})
	select {
	case <-hub.frames:
		t.Fatal("frame queued without clients")
	default:
	}
}

func TestWSHub_SlowClientDropped(t *testing.T) {
	hub := startTestHub(t)
	slow := &wsClient{hub: hub, send: make(chan []byte)}
	hub.join(slow)
	waitForClients(t, hub, 1)

	hub.BroadcastAttempt(domain.AttemptEvent{Kind: domain.AttemptProbe})
	waitForClients(t, hub, 0)
}

func TestWSHub_FilteredClientSkipped(t *testing.T) {
	hub := startTestHub(t)
	c := &wsClient{hub: hub, filter: wsFilter{sessionID: "s2"}, send: make(chan []byte, 4)}
	hub.join(c)
	waitForClients(t, hub, 1)

	hub.BroadcastSession(domain.SessionDescriptor{SessionID: "s1"})
	hub.BroadcastSession(domain.SessionDescriptor{SessionID: "s2"})

	select {
	case payload := <-c.send:
		if !strings.Contains(string(payload), `"sessionId":"s2"`) {
			t.Fatalf("unexpected frame %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
	select {
	case payload := <-c.send:
		t.Fatalf("extra frame %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshotPayload(t *testing.T) {
	sessions := []domain.SessionDescriptor{{SessionID: "a"}, {SessionID: "b"}}
	data, err := snapshotPayload(sessions, wsFilter{sessionID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	var msg struct {
		Type string                     `json:"type"`
		Data []domain.SessionDescriptor `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != topicSnapshot || len(msg.Data) != 1 || msg.Data[0].SessionID != "b" {
		t.Fatalf("snapshot = %s", data)
	}
}

func TestServerBroadcastsOverWebsocket(t *testing.T) {
	sessions := newFakeSessions()
	sessions.sessions["s0"] = domain.SessionDescriptor{SessionID: "s0", Status: domain.SessionLoading}
	s := newTestServer(t, nil, sessions)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv, "")
	defer conn.Close()

	msg := readWSMessage(t, conn, 2*time.Second)
	if msg.Type != topicSnapshot {
		t.Fatalf("first frame type = %q", msg.Type)
	}
	waitForClients(t, s.wsHub, 1)

	s.BroadcastSession(domain.SessionDescriptor{SessionID: "s1", Status: domain.SessionReady, StreamKind: domain.StreamHLS})
	msg = readWSMessage(t, conn, 2*time.Second)
	if msg.Type != topicSession {
		t.Fatalf("type = %q", msg.Type)
	}
	data, _ := json.Marshal(msg.Data)
	if !strings.Contains(string(data), `"sessionId":"s1"`) {
		t.Fatalf("data = %s", data)
	}

	s.BroadcastAttempt(domain.AttemptEvent{Kind: domain.AttemptCircuitSkipped, ProviderID: "alpha"})
	msg = readWSMessage(t, conn, 2*time.Second)
	if msg.Type != topicAttempt {
		t.Fatalf("type = %q", msg.Type)
	}
}

func TestServerWebsocketSessionFilter(t *testing.T) {
	s := newTestServer(t, nil, newFakeSessions())
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv, "?topics=session&session=s2")
	defer conn.Close()
	waitForClients(t, s.wsHub, 1)

	s.BroadcastAttempt(domain.AttemptEvent{Kind: domain.AttemptSessionReady, SessionID: "s2"})
	s.BroadcastSession(domain.SessionDescriptor{SessionID: "s1"})
	s.BroadcastSession(domain.SessionDescriptor{SessionID: "s2"})

	msg := readWSMessage(t, conn, 2*time.Second)
	data, _ := json.Marshal(msg.Data)
	if msg.Type != topicSession || !strings.Contains(string(data), `"sessionId":"s2"`) {
		t.Fatalf("got %s %s", msg.Type, data)
	}
}

func TestServerWebsocketRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, nil, newFakeSessions(), WithAllowedOrigins([]string{"http://player.local"}))
	srv := httptest.NewServer(s)
	defer srv.Close()

	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": {"http://evil.local"}}
	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake failure")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}
}

func TestServerCloseDisconnectsWebsocket(t *testing.T) {
	s := NewServer(nil, newFakeSessions())
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv, "?topics=session")
	defer conn.Close()
	waitForClients(t, s.wsHub, 1)

	s.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close after server shutdown")
	}
}
