// ABOUTME: WebSocket transport and read loop for relay connections
// ABOUTME: Each socket gets a bounded send buffer drained by a writer goroutine

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/hub"
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendBufferFull  = errors.New("send buffer full")
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// wsTransport adapts a WebSocket connection to hub.Transport.
type wsTransport struct {
	conn   *websocket.Conn
	send   chan *hub.Event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	logger *slog.Logger
}

func newWSTransport(conn *websocket.Conn, buffer int, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		conn:   conn,
		send:   make(chan *hub.Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues ev without blocking. A full buffer means the client is not
// keeping up and is reported as a transport failure.
func (t *wsTransport) Send(ctx context.Context, ev *hub.Event) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	select {
	case t.send <- ev:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

func (t *wsTransport) IsOpen() bool {
	return !t.closed.Load()
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.conn.Close(websocket.StatusNormalClosure, "closing")
	})
	return err
}

// writeLoop drains the send buffer until the transport closes.
func (t *wsTransport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-t.done:
			return
		case <-ctx.Done():
			_ = t.Close()
			return
		case ev := <-t.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, t.conn, ev)
			cancel()
			if err != nil {
				t.logger.Debug("websocket write failed", "error", err)
				_ = t.Close()
				return
			}
		}
	}
}

// handleWS upgrades GET /ws?participant_id=...&agent_id=... and serves the
// connection until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := hub.Identity{
		ParticipantID: q.Get("participant_id"),
		AgentID:       q.Get("agent_id"),
	}
	if identity.AgentID != "" {
		identity.IsAgent = true
		if identity.ParticipantID == "" {
			identity.ParticipantID = identity.AgentID
		}
	}
	if identity.ParticipantID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "participant_id or agent_id is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.Server.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tr := newWSTransport(conn, s.config.Relay.SendBuffer, s.logger.With("participant_id", identity.ParticipantID))
	go tr.writeLoop(ctx)

	c, err := s.hub.Admit(ctx, identity, tr)
	if err != nil {
		s.logger.Warn("admission failed", "participant_id", identity.ParticipantID, "error", err)
		_ = tr.Close()
		return
	}
	defer s.hub.Teardown(c.ID)

	limiter := rate.NewLimiter(rate.Limit(s.config.Relay.InboundRate), s.config.Relay.InboundBurst)
	s.readLoop(ctx, c, conn, limiter)
}

// readLoop decodes inbound events and dispatches them in arrival order.
func (s *Server) readLoop(ctx context.Context, c *hub.Connection, conn *websocket.Conn, limiter *rate.Limiter) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Debug("websocket closed", "connection_id", c.ID)
			} else if ctx.Err() == nil {
				s.logger.Info("websocket read failed", "connection_id", c.ID, "error", err)
			}
			return
		}
		s.hub.Touch(c.ID)

		if !limiter.Allow() {
			_ = s.hub.SendTo(ctx, c.ID, hub.NewErrorEvent("", hub.ErrCodeRateLimited, "too many events, slow down"))
			continue
		}
		if typ != websocket.MessageText {
			_ = s.hub.SendTo(ctx, c.ID, hub.NewErrorEvent("", hub.ErrCodeMalformed, "binary frames are not supported"))
			continue
		}

		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			_ = s.hub.SendTo(ctx, c.ID, hub.NewErrorEvent("", hub.ErrCodeMalformed, "invalid JSON event"))
			continue
		}
		s.HandleEvent(ctx, c, &ev)
	}
}
