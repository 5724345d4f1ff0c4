package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/relay/internal/event"
)

// outboundBuffer bounds per-client queued messages. A client that stops
// reading has envelopes dropped rather than stalling the broadcast path.
const outboundBuffer = 256

type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	TS        int64  `json:"ts,omitempty"`
}

type serverMessage struct {
	Type string `json:"type"`

	Event *event.Envelope `json:"event,omitempty"`
	Seq   int64           `json:"seq,omitempty"`

	SubscribedSessionID string `json:"subscribedSessionId,omitempty"`
	CurrentSeq          int64  `json:"currentSeq,omitempty"`

	TS int64 `json:"ts,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsClient is one observer connection. It implements bus.Subscriber: Deliver
// enqueues without blocking and a writer goroutine drains the queue.
type wsClient struct {
	conn   *websocket.Conn
	out    chan *serverMessage
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsClient) Deliver(env *event.Envelope) error {
	return c.send(&serverMessage{Type: "event", Event: env, Seq: env.Seq})
}

func (c *wsClient) send(msg *serverMessage) error {
	// The mutex covers the channel send so close() cannot race it. The send
	// itself never blocks; the queue is bounded.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.out <- msg:
	default:
		// Slow consumer. The envelope is dropped for this observer only.
		c.logger.Warn("observer queue full, dropping message", "type", msg.Type)
	}
	return nil
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// writer drains the outbound queue onto the socket.
func (c *wsClient) writer(ctx context.Context) {
	for msg := range c.out {
		if err := wsjson.Write(ctx, c.conn, msg); err != nil {
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// WS auth rides the query string: browsers cannot set headers on the
	// upgrade request.
	token := r.URL.Query().Get("token")
	if s.cfg.AuthToken == "" || token != s.cfg.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &wsClient{
		conn:   conn,
		out:    make(chan *serverMessage, outboundBuffer),
		logger: s.logger,
	}
	s.addClient(c)
	s.logger.Info("observer connected")

	ctx := r.Context()
	go c.writer(ctx)

	defer func() {
		s.removeClient(c)
		s.cfg.Broadcaster.UnsubscribeAll(c)
		c.close()
		s.logger.Info("observer disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			if msg.SessionID == "" {
				_ = c.send(&serverMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "sessionId is required"})
				continue
			}
			s.cfg.Broadcaster.Subscribe(msg.SessionID, c)
			_ = c.send(&serverMessage{
				Type:                "ack",
				SubscribedSessionID: msg.SessionID,
				CurrentSeq:          s.cfg.Broadcaster.CurrentSeq(msg.SessionID),
			})
			s.logger.Debug("observer subscribed", "session_id", msg.SessionID)
		case "unsubscribe":
			s.cfg.Broadcaster.Unsubscribe(msg.SessionID, c)
			s.logger.Debug("observer unsubscribed", "session_id", msg.SessionID)
		case "ping":
			_ = c.send(&serverMessage{Type: "pong", TS: msg.TS})
		default:
			_ = c.send(&serverMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "unknown message type " + msg.Type})
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveObservers.Add(context.Background(), 1)
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveObservers.Add(context.Background(), -1)
	}
}
