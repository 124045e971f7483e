package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/crucible/internal/executor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // fronting proxy handles auth
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type string `json:"type"` // "execute" or "cancel"
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string           `json:"type"` // "started", "result", "cancelling", "error"
	ID      string           `json:"id,omitempty"`
	Content string           `json:"content,omitempty"`
	Result  *executor.Result `json:"result,omitempty"`
}

// wsConn serializes writes to one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	s    *Server
}

func (c *wsConn) send(v wsOutgoing) {
	data, err := json.Marshal(v)
	if err != nil {
		c.s.logger.Error("websocket marshal error", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.s.logger.Debug("websocket write error", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.cfg.Limits.MaxCodeSize)*2 + 64*1024)

	c := &wsConn{conn: conn, s: s}

	// Everything started on this connection is cancelled when it closes.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "execute":
			if msg.Code == "" {
				c.send(wsOutgoing{Type: "error", Content: "code is required"})
				continue
			}
			if !s.limiter.allow(client) {
				s.metrics.IncRateLimited()
				c.send(wsOutgoing{Type: "error", Content: "rate limit exceeded"})
				continue
			}
			id := msg.ID
			if id == "" {
				id = uuid.New().String()
			} else if !executionIDRe.MatchString(id) {
				c.send(wsOutgoing{Type: "error", Content: "invalid id"})
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.processWebSocketExecution(ctx, c, id, client, msg.Code)
			}()

		case "cancel":
			if !s.inflight.Cancel(msg.ID) {
				c.send(wsOutgoing{Type: "error", ID: msg.ID, Content: "execution not running"})
				continue
			}
			c.send(wsOutgoing{Type: "cancelling", ID: msg.ID})

		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) processWebSocketExecution(ctx context.Context, c *wsConn, id, client, code string) {
	c.send(wsOutgoing{Type: "started", ID: id})

	res, err := s.runSubmission(ctx, id, client, code)
	if err != nil {
		if errors.Is(err, errAlreadyRunning) || errors.Is(err, errAlreadyRecorded) {
			c.send(wsOutgoing{Type: "error", ID: id, Content: err.Error()})
		} else {
			s.logger.Error("websocket execution failed", "id", id, "error", err)
			c.send(wsOutgoing{Type: "error", ID: id, Content: "internal error"})
		}
		return
	}

	res = res.Public()
	c.send(wsOutgoing{Type: "result", ID: id, Result: &res})
}
