package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Sentinel errors surfaced across the subscribe/publish boundary.
var (
	ErrNoToken      = errors.New("no credential available")
	ErrNotConnected = errors.New("not connected")
)

// TokenSource supplies the bearer credential for the connect handshake.
type TokenSource interface {
	Token() string
}

// Handler receives the raw body of a broker frame. Payload normalization is
// the receiver's business, not the transport's.
type Handler func(body []byte)

type subscription struct {
	id          string
	destination string
	handler     Handler
}

// Client is a reconnecting broker connection. At most one socket is active
// at a time. The underlying connection auto-retries on a fixed delay, but
// subscriptions are NOT replayed on reconnect; the session controller
// re-subscribes when its state machine re-enters an escalated mode.
type Client struct {
	base    string
	tokens  TokenSource
	http    *http.Client
	delay   time.Duration
	onError func(error)

	writeMu sync.Mutex

	mu         sync.Mutex
	gen        int
	conn       *websocket.Conn
	connecting bool
	waiters    []func()
	subs       map[string]*subscription
	nextSubID  int
}

// NewClient creates a transport client for the given handshake base URL
// (http(s) form; "/ws" is appended when missing, mirroring the SockJS URL
// convention). onError receives connection and broker errors; it may be nil.
func NewClient(baseURL string, tokens TokenSource, reconnectDelay time.Duration, onError func(error)) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/ws") {
		base += "/ws"
	}
	return &Client{
		base:    base,
		tokens:  tokens,
		http:    &http.Client{Timeout: 5 * time.Second},
		delay:   reconnectDelay,
		onError: onError,
		subs:    make(map[string]*subscription),
	}
}

// Connect establishes the broker connection if needed. When already
// connected, onReady runs synchronously on the existing connection;
// otherwise the handshake happens in the background and onReady runs once
// it completes. Duplicate calls while connecting just queue their onReady.
func (c *Client) Connect(ctx context.Context, onReady func()) error {
	if c.tokens.Token() == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		if onReady != nil {
			onReady()
		}
		return nil
	}
	if onReady != nil {
		c.waiters = append(c.waiters, onReady)
	}
	if c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	gen := c.gen
	c.mu.Unlock()

	go c.run(ctx, gen)
	return nil
}

// IsConnected reports whether a broker connection is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SubscribeOnce registers exactly one subscription per logical key for the
// connection's lifetime. A duplicate key while subscribed is a no-op, which
// guards against double delivery from double subscription.
func (c *Client) SubscribeOnce(key, destination string, handler func(body []byte)) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, exists := c.subs[key]; exists {
		c.mu.Unlock()
		return nil
	}
	c.nextSubID++
	sub := &subscription{
		id:          "sub-" + strconv.Itoa(c.nextSubID),
		destination: destination,
		handler:     handler,
	}
	c.subs[key] = sub
	conn := c.conn
	c.mu.Unlock()

	err := c.writeFrame(conn, Frame{
		Command: CmdSubscribe,
		Headers: map[string]string{"id": sub.id, "destination": destination, "ack": "auto"},
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return nil
}

// Publish sends a JSON payload to a destination, fire and forget.
func (c *Client) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	err = c.writeFrame(conn, Frame{
		Command: CmdSend,
		Headers: map[string]string{"destination": destination, "content-type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

// DisconnectAll unsubscribes every tracked subscription, then deactivates
// the connection and stops the retry loop. Safe to call when already
// disconnected.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.connecting = false
	c.waiters = nil
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	if conn == nil {
		return
	}
	for _, sub := range subs {
		// Best effort; the socket is going away regardless.
		_ = c.writeFrame(conn, Frame{
			Command: CmdUnsubscribe,
			Headers: map[string]string{"id": sub.id},
		})
	}
	_ = c.writeFrame(conn, Frame{Command: CmdDisconnect, Headers: map[string]string{}})
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		slog.Debug("WebSocket close failed", "error", err)
	}
}

// run dials, serves the read loop, and redials on a fixed delay until the
// generation is invalidated by DisconnectAll.
func (c *Client) run(ctx context.Context, gen int) {
	for {
		if c.stale(gen) {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.reportError(fmt.Errorf("live chat connection error: %w", err))
			if c.stale(gen) {
				return
			}
			time.Sleep(c.delay)
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
		c.conn = conn
		c.connecting = false
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()

		for _, ready := range waiters {
			ready()
		}

		c.readLoop(gen, conn)
		if c.stale(gen) {
			return
		}

		// Connection dropped. Subscriptions die with it; the controller
		// re-subscribes when its state machine asks for them again.
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.subs = make(map[string]*subscription)
		}
		c.mu.Unlock()
		slog.Warn("Broker connection lost, retrying", "delay", c.delay)
		time.Sleep(c.delay)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token := c.tokens.Token()
	if token == "" {
		return nil, ErrNoToken
	}

	// SockJS-style probe. The answer is informational; a failed probe still
	// falls through to the raw WebSocket endpoint.
	c.probeInfo(ctx)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	hdr.Set("access_token", token)
	hdr.Set("token", token)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.base+"/websocket", &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.base+"/websocket", err)
	}
	conn.SetReadLimit(1 << 20)

	// SockJS strips HTTP headers from the upgrade in some fallbacks, so the
	// credential rides in the CONNECT frame too. The backend accepts all
	// three keys.
	connect := Frame{
		Command: CmdConnect,
		Headers: map[string]string{
			"accept-version": "1.2",
			"host":           hostOf(c.base),
			"heart-beat":     "0,0",
			"Authorization":  "Bearer " + token,
			"access_token":   token,
			"token":          token,
		},
	}
	if err := c.writeFrame(conn, connect); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "connect frame failed")
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	readCtx, cancelRead := context.WithTimeout(ctx, 10*time.Second)
	defer cancelRead()
	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		frame, err := ParseFrame(data)
		if err != nil || frame.Command == "" {
			continue
		}
		if frame.Command == CmdConnected {
			return conn, nil
		}
		_ = conn.Close(websocket.StatusProtocolError, "handshake rejected")
		if frame.Command == CmdError {
			return nil, fmt.Errorf("broker refused connection: %s", frameErrorText(frame))
		}
		return nil, fmt.Errorf("unexpected handshake frame %s", frame.Command)
	}
}

func (c *Client) probeInfo(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.base+"/info", nil)
	if err != nil {
		return
	}
	res, err := c.http.Do(req)
	if err != nil {
		slog.Debug("Broker info probe failed", "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}

func (c *Client) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			if !c.stale(gen) {
				slog.Debug("Broker read ended", "error", err)
			}
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			slog.Warn("Dropping malformed broker frame", "error", err)
			continue
		}
		switch frame.Command {
		case "":
			// heart-beat
		case CmdMessage:
			c.dispatch(frame)
		case CmdError:
			c.reportError(fmt.Errorf("broker error: %s", frameErrorText(frame)))
		}
	}
}

func (c *Client) dispatch(frame Frame) {
	subID := frame.Header("subscription")

	c.mu.Lock()
	var handler Handler
	for _, sub := range c.subs {
		if sub.id == subID {
			handler = sub.handler
			break
		}
	}
	c.mu.Unlock()

	if handler == nil {
		slog.Debug("Message for unknown subscription", "subscription", subID,
			"destination", frame.Header("destination"))
		return
	}
	handler(frame.Body)
}

func (c *Client) writeFrame(conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame.Marshal())
}

func (c *Client) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

func (c *Client) reportError(err error) {
	slog.Warn("Transport error", "error", err)
	if c.onError != nil {
		c.onError(err)
	}
}

func frameErrorText(frame Frame) string {
	if msg := frame.Header("message"); msg != "" {
		return msg
	}
	if len(frame.Body) > 0 {
		return string(frame.Body)
	}
	return "unknown error"
}

func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "localhost"
	}
	return u.Hostname()
}
