package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/orchestrator"
	"github.com/codefionn/bizpilot/internal/schema"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Requests received while one is running wait here.
	socketQueueSize = 8
)

// responseFrame carries a non-streaming outcome or an error over the socket.
type responseFrame struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Body   any    `json:"body"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket serves chat requests over one connection, one at a time.
// Closing the connection cancels the request in flight.
// Browsers cannot set headers on the upgrade request, so the user id may
// also come from the "user" query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user := userID(r)
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Utilisateur non authentifié."})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket: %v", err)
		return
	}
	ws := &wsConn{conn: conn}
	log := s.log.WithPrefix("ws").With("user", user)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		_ = conn.Close()
	}()

	go keepAlive(ctx, ws)

	requests := make(chan []byte, socketQueueSize)
	go readSocket(ctx, cancel, conn, requests, log)

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-requests:
			if !ok {
				return
			}
			if err := s.serveSocketRequest(ctx, ws, user, data, log); err != nil {
				log.Debug("websocket write failed: %v", err)
				return
			}
		}
	}
}

// readSocket keeps reading while a request is in flight, so pongs are seen and
// a closed peer cancels ctx, which aborts the running request.
func readSocket(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, requests chan<- []byte, log *logger.Logger) {
	defer close(requests)
	defer cancel()

	conn.SetReadLimit(consts.MaxRequestBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case requests <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) serveSocketRequest(ctx context.Context, ws *wsConn, user string, data []byte, log *logger.Logger) error {
	req, err := schema.ParseRequest(data, s.maxHistory)
	if err != nil {
		return s.sendSocketError(ws, err, log)
	}

	out, err := s.orch.Handle(ctx, user, req)
	if err != nil {
		return s.sendSocketError(ws, err, log)
	}
	if out.Degraded != nil {
		log.Warn("answered from fallback after %T: %v", out.Degraded, out.Degraded)
	}

	if out.Kind == orchestrator.KindStream {
		return pipeEvents(ws, out.Events, log)
	}
	status, body := outcomeBody(out)
	return ws.sendJSON(responseFrame{Type: "response", Status: status, Body: body})
}

func (s *Server) sendSocketError(ws *wsConn, err error, log *logger.Logger) error {
	status, body := mapError(err)
	logError(log, status, err)
	if status == statusClientClosed {
		return err
	}
	return ws.sendJSON(responseFrame{Type: "response", Status: status, Body: body})
}

func keepAlive(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}
