package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/storebay/supportchat/internal/transport"
)

const writeTimeout = 10 * time.Second

// brokerConn is one connected STOMP session over a websocket.
type brokerConn struct {
	ws     *websocket.Conn
	userID string

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]string // subscription id -> destination
}

func (c *brokerConn) send(ctx context.Context, f transport.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, f.Marshal())
}

// subIDFor returns the session's subscription id for a destination, or ""
// when the session is not subscribed to it.
func (c *brokerConn) subIDFor(destination string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, dest := range c.subs {
		if dest == destination {
			return id
		}
	}
	return ""
}

func (c *brokerConn) destinations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	dests := make([]string, 0, len(c.subs))
	for _, dest := range c.subs {
		dests = append(dests, dest)
	}
	return dests
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("WebSocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "session ended")

	ctx := r.Context()
	conn := &brokerConn{ws: ws, subs: make(map[string]string)}

	// The credential can ride on the upgrade request or the CONNECT frame.
	conn.userID = userFromToken(bearerToken(r))

	if err := s.awaitConnect(ctx, conn); err != nil {
		s.logger.Warn("STOMP handshake failed", "error", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("Broker session opened", "user_id", conn.userID)

	s.readFrames(ctx, conn)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.logger.Info("Broker session closed", "user_id", conn.userID)

	s.notifyDisconnect(ctx, conn)
	ws.Close(websocket.StatusNormalClosure, "")
}

// awaitConnect reads frames until CONNECT arrives and answers CONNECTED.
func (s *Server) awaitConnect(ctx context.Context, conn *brokerConn) error {
	for {
		frame, err := readFrame(ctx, conn.ws)
		if err != nil {
			return err
		}
		if frame.Command == "" {
			continue // heart-beat
		}
		if frame.Command != transport.CmdConnect {
			return fmt.Errorf("expected CONNECT, got %s", frame.Command)
		}

		if conn.userID == "" {
			token := frame.Header("Authorization")
			token = strings.TrimPrefix(token, "Bearer ")
			if token == "" {
				token = frame.Header("access_token")
			}
			if token == "" {
				token = frame.Header("token")
			}
			conn.userID = userFromToken(strings.TrimSpace(token))
		}
		if conn.userID == "" {
			_ = conn.send(ctx, transport.Frame{
				Command: transport.CmdError,
				Headers: map[string]string{"message": "missing credentials"},
			})
			return errors.New("CONNECT without credentials")
		}

		return conn.send(ctx, transport.Frame{
			Command: transport.CmdConnected,
			Headers: map[string]string{"version": "1.2", "user-name": conn.userID},
		})
	}
}

func (s *Server) readFrames(ctx context.Context, conn *brokerConn) {
	for {
		frame, err := readFrame(ctx, conn.ws)
		if err != nil {
			return
		}
		switch frame.Command {
		case "":
			// heart-beat
		case transport.CmdSubscribe:
			id, dest := frame.Header("id"), frame.Header("destination")
			if id == "" || dest == "" {
				continue
			}
			conn.mu.Lock()
			conn.subs[id] = dest
			conn.mu.Unlock()
			s.logger.Debug("Subscribed", "user_id", conn.userID, "destination", dest)
		case transport.CmdUnsubscribe:
			conn.mu.Lock()
			delete(conn.subs, frame.Header("id"))
			conn.mu.Unlock()
		case transport.CmdSend:
			s.dispatchSend(ctx, conn, frame)
		case transport.CmdDisconnect:
			return
		default:
			s.logger.Warn("Unhandled frame", "command", frame.Command)
		}
	}
}

// dispatchSend routes application SEND frames.
func (s *Server) dispatchSend(ctx context.Context, conn *brokerConn, frame transport.Frame) {
	dest := frame.Header("destination")
	switch {
	case strings.HasPrefix(dest, "/app/chat/"):
		s.relayChat(ctx, conn, strings.TrimPrefix(dest, "/app/chat/"), frame.Body)
	case strings.HasPrefix(dest, "/app/support/requests/") && strings.HasSuffix(dest, "/ready"):
		id := strings.TrimSuffix(strings.TrimPrefix(dest, "/app/support/requests/"), "/ready")
		s.logger.Debug("User ready", "request_id", id, "user_id", conn.userID)
	case strings.HasPrefix(dest, "/app/support/requests/") && strings.HasSuffix(dest, "/close"):
		id := strings.TrimSuffix(strings.TrimPrefix(dest, "/app/support/requests/"), "/close")
		s.closeRequest(ctx, id)
	default:
		s.logger.Warn("SEND to unknown destination", "destination", dest)
	}
}

// relayChat fans a chat message out to every session subscribed to the
// request's queue, the sender included. The sender's own copy is the echo the
// client is expected to suppress.
func (s *Server) relayChat(ctx context.Context, conn *brokerConn, requestID string, body []byte) {
	var in struct {
		Body     string `json:"body"`
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.Body == "" {
		s.logger.Warn("Malformed chat payload", "request_id", requestID)
		return
	}

	out := map[string]any{
		"id":        uuid.NewString(),
		"senderId":  conn.userID,
		"body":      in.Body,
		"clientId":  in.ClientID,
		"createdAt": time.Now().UnixMilli(),
	}
	s.broadcast(ctx, "/user/queue/chat/"+requestID, out)
}

// closeRequest marks the request closed and tells both sides.
func (s *Server) closeRequest(ctx context.Context, requestID string) {
	s.mu.Lock()
	if req, ok := s.requests[requestID]; ok {
		req.Status = StatusClosed
		delete(s.pendingByUser, req.UserID)
	}
	s.mu.Unlock()

	s.logger.Info("Request closed", "request_id", requestID)
	s.broadcastEvent(requestID, map[string]string{"type": "CLOSED", "status": StatusClosed})
}

// notifyDisconnect emits a DISCONNECTED event for every request the departed
// session was attached to, naming which side left.
func (s *Server) notifyDisconnect(ctx context.Context, conn *brokerConn) {
	seen := make(map[string]struct{})
	for _, dest := range conn.destinations() {
		id := requestIDFromDest(dest)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		s.mu.Lock()
		req, ok := s.requests[id]
		s.mu.Unlock()
		if !ok || req.Status == StatusClosed {
			continue
		}

		who := "ADMIN"
		if conn.userID == req.UserID {
			who = "USER"
		}
		s.broadcastEvent(id, map[string]string{"type": "DISCONNECTED", "who": who})
	}
}

// broadcastEvent publishes a lifecycle event on the request's topic.
func (s *Server) broadcastEvent(requestID string, payload any) {
	s.broadcast(context.Background(), "/topic/support/requests/"+requestID, payload)
}

// broadcast delivers a MESSAGE frame to every session subscribed to the
// destination.
func (s *Server) broadcast(ctx context.Context, destination string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Encode broadcast failed", "destination", destination, "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*brokerConn, 0, len(s.conns))
	for conn := range s.conns {
		targets = append(targets, conn)
	}
	s.mu.Unlock()

	for _, conn := range targets {
		subID := conn.subIDFor(destination)
		if subID == "" {
			continue
		}
		frame := transport.Frame{
			Command: transport.CmdMessage,
			Headers: map[string]string{
				"destination":  destination,
				"message-id":   uuid.NewString(),
				"subscription": subID,
				"content-type": "application/json",
			},
			Body: body,
		}
		if err := conn.send(ctx, frame); err != nil {
			s.logger.Warn("Broadcast delivery failed", "user_id", conn.userID, "error", err)
		}
	}
}

func readFrame(ctx context.Context, ws *websocket.Conn) (transport.Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return transport.Frame{}, err
	}
	return transport.ParseFrame(data)
}

func requestIDFromDest(dest string) string {
	for _, prefix := range []string{"/topic/support/requests/", "/user/queue/chat/"} {
		if strings.HasPrefix(dest, prefix) {
			return strings.TrimPrefix(dest, prefix)
		}
	}
	return ""
}
