package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	// Pending events per client before new ones are dropped
	clientBuffer = 256
)

// Client is one event stream connection
type Client struct {
	server       *Server
	conn         *websocket.Conn
	id           string
	automationID string // empty streams every automation
	send         chan events.Event
	done         chan struct{}
	unsubscribe  func()
	closeOnce    sync.Once
}

// HandleEvents handles GET /ws/events?automation=&kinds=
// It streams bus events as JSON text frames.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, events.Kind(k))
			}
		}
	}

	c := &Client{
		server:       s,
		id:           uuid.NewString(),
		automationID: r.URL.Query().Get("automation"),
		send:         make(chan events.Event, clientBuffer),
		done:         make(chan struct{}),
	}

	if !s.register(c) {
		s.writeError(w, r, errors.WithHint(ErrMaxClients, "close an existing event stream and retry"))
		return
	}

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed
	unsubscribe, err := s.events.Subscribe(c.deliver, kinds...)
	if err != nil {
		s.unregister(c)
		s.writeError(w, r, errors.Wrap(errors.ErrServiceUnavailable, err.Error()))
		return
	}
	c.unsubscribe = unsubscribe

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		unsubscribe()
		s.unregister(c)
		s.logger.Debugw("Event stream upgrade failed", logger.FieldError, err)
		return
	}
	c.conn = conn

	s.logger.Infow("Event stream connected",
		"client_id", c.id,
		logger.FieldAutomationID, c.automationID,
		"remote", r.RemoteAddr)

	s.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= MaxClients {
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id,
			"max_clients", MaxClients)
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// deliver is the bus handler. It never blocks the bus: a slow client loses
// events rather than stalling other subscribers.
func (c *Client) deliver(ev events.Event) error {
	if c.automationID != "" && ev.AutomationID != c.automationID {
		return nil
	}
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		c.server.drops.Add(1)
		c.server.logger.Debugw("Event stream buffer full, dropping event",
			"client_id", c.id,
			"kind", ev.Kind)
	}
	return nil
}

// close tears the connection down once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.server.unregister(c)
		c.server.logger.Infow("Event stream disconnected", "client_id", c.id)
	})
}

// readPump discards client frames and detects disconnects
func (c *Client) readPump() {
	defer c.server.wg.Done()
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("Event stream read error",
					"client_id", c.id,
					logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.server.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.server.ctx.Done():
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("Event stream write failed",
					"client_id", c.id,
					logger.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
