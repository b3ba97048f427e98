package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
)

const (
	topicSession  = "session"
	topicAttempt  = "attempt"
	topicSnapshot = "sessions"

	wsSendBuffer  = 64
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingEvery   = 30 * time.Second
	wsMaxInbound  = 512
	wsCloseNotice = 2 * time.Second
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsFrame is an encoded message with the keys clients filter on.
type wsFrame struct {
	topic     string
	sessionID string
	payload   []byte
}

// wsFilter narrows what one connection receives. The zero value accepts
// everything.
type wsFilter struct {
	topics    map[string]bool
	sessionID string
}

// parseWSFilter reads ?topics=session,attempt and ?session=<id>.
func parseWSFilter(q url.Values) wsFilter {
	f := wsFilter{sessionID: strings.TrimSpace(q.Get("session"))}
	for _, raw := range strings.Split(q.Get("topics"), ",") {
		if topic := strings.TrimSpace(raw); topic != "" {
			if f.topics == nil {
				f.topics = make(map[string]bool)
			}
			f.topics[topic] = true
		}
	}
	return f
}

func (f wsFilter) wants(topic string) bool {
	return len(f.topics) == 0 || f.topics[topic]
}

func (f wsFilter) accepts(fr wsFrame) bool {
	if !f.wants(fr.topic) {
		return false
	}
	return f.sessionID == "" || fr.sessionID == f.sessionID
}

type wsClient struct {
	hub    *wsHub
	conn   *websocket.Conn
	filter wsFilter
	send   chan []byte
}

func newWSClient(hub *wsHub, conn *websocket.Conn, filter wsFilter) *wsClient {
	return &wsClient{hub: hub, conn: conn, filter: filter, send: make(chan []byte, wsSendBuffer)}
}

// wsHub fans session snapshots and attempt events out to websocket clients.
// All client bookkeeping happens on the run goroutine.
type wsHub struct {
	logger     *slog.Logger
	clients    map[*wsClient]struct{}
	count      atomic.Int32
	frames     chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
		frames:     make(chan wsFrame, wsSendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			h.disconnectAll()
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			metrics.WSConnections.Inc()
			h.logger.Debug("ws client connected",
				slog.Int("clients", len(h.clients)),
				slog.String("sessionFilter", c.filter.sessionID),
			)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.logger.Debug("ws client disconnected", slog.Int("clients", len(h.clients)))
			}
		case fr := <-h.frames:
			h.fanOut(fr)
		}
	}
}

func (h *wsHub) fanOut(fr wsFrame) {
	for c := range h.clients {
		if !c.filter.accepts(fr) {
			continue
		}
		select {
		case c.send <- fr.payload:
		default:
			h.remove(c)
			h.logger.Debug("ws client too slow, dropped")
		}
	}
}

func (h *wsHub) remove(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
	metrics.WSConnections.Dec()
}

func (h *wsHub) disconnectAll() {
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsCloseNotice),
			)
		}
		h.remove(c)
	}
	h.logger.Debug("ws hub stopped")
}

// join hands the client to the run loop. It fails once the hub is closed.
func (h *wsHub) join(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *wsHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *wsHub) clientCount() int {
	return int(h.count.Load())
}

// publish encodes data once and queues it for every interested client. It
// never blocks; frames are dropped while the queue is full.
func (h *wsHub) publish(topic, sessionID string, data any) {
	if h.clientCount() == 0 {
		return
	}
	payload, err := json.Marshal(wsMessage{Type: topic, Data: data})
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}
	select {
	case h.frames <- wsFrame{topic: topic, sessionID: sessionID, payload: payload}:
	default:
		h.logger.Debug("ws queue full, frame dropped", slog.String("topic", topic))
	}
}

func (h *wsHub) BroadcastSession(d domain.SessionDescriptor) {
	h.publish(topicSession, d.SessionID, d)
}

func (h *wsHub) BroadcastAttempt(ev domain.AttemptEvent) {
	h.publish(topicAttempt, ev.SessionID, ev)
}

// snapshotPayload encodes the sessions a new client would otherwise only
// learn about on their next state change.
func snapshotPayload(sessions []domain.SessionDescriptor, f wsFilter) ([]byte, error) {
	items := make([]domain.SessionDescriptor, 0, len(sessions))
	for _, d := range sessions {
		if f.sessionID == "" || d.SessionID == f.sessionID {
			items = append(items, d)
		}
	}
	return json.Marshal(wsMessage{Type: topicSnapshot, Data: items})
}

func newWSUpgrader(policy originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || policy.allows(origin)
		},
	}
}

func (c *wsClient) writeLoop() {
	ping := time.NewTicker(wsPingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only services control frames; clients never send data.
func (c *wsClient) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
