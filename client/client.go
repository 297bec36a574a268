// Package client provides a reconnecting WebSocket client for the Wejdan chat
// server. It connects using gobwas/ws (the same library the server uses),
// identifies the user on open, runs its own keepalive ping loop, and retries
// dropped connections with capped exponential backoff until a fixed attempt
// budget is exhausted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrReconnectExhausted is surfaced once the retry budget is spent. The
// controller stops retrying and stays in StateUnavailable until the caller
// invokes Connect again.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// ErrNotConnected is returned by Send while no transport is open.
var ErrNotConnected = errors.New("client: not connected")

// State is the controller's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateUnavailable is terminal: the retry budget is exhausted and no
	// further reconnects are scheduled.
	StateUnavailable
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds client tuning parameters.
type Config struct {
	URL               string        // ws:// or wss:// endpoint
	UserID            int64         // identity announced after connect
	UserName          string        //
	BaseDelay         time.Duration // first backoff delay (default: 1s)
	MaxDelay          time.Duration // backoff cap (default: 10s)
	MaxRetries        int           // reconnect budget before giving up (default: 5)
	HeartbeatInterval time.Duration // local ping cadence (default: 25s)
}

// DefaultConfig returns a Config with the standard backoff and keepalive
// parameters.
func DefaultConfig(url string, userID int64, userName string) Config {
	return Config{
		URL:               url,
		UserID:            userID,
		UserName:          userName,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		MaxRetries:        5,
		HeartbeatInterval: 25 * time.Second,
	}
}

// Backoff computes the reconnect delay for the given zero-based attempt:
// min(base * 2^attempt, cap). No jitter.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Client is the reconnecting chat client. All exported methods are
// goroutine-safe.
type Client struct {
	config Config

	mu             sync.Mutex
	state          State
	conn           net.Conn
	sessionID      string
	attempt        int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	manualClose    bool
	ctx            context.Context

	handlers map[string]func(json.RawMessage)
	onState  func(State)
}

// New creates a Client in StateDisconnected. Call Connect to open the
// transport.
func New(config Config) *Client {
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 25 * time.Second
	}
	return &Client{
		config:   config,
		state:    StateDisconnected,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// On registers a handler for a server message type. The handler receives the
// full raw JSON of the frame for flexible decoding. Handlers run on the read
// loop goroutine and should not block. Registering a second handler for the
// same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// OnStateChange registers a callback invoked on every state transition. The
// UI layer uses it to distinguish "reconnecting" from the terminal
// unavailable notice.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session ID assigned by the server, or an empty
// string before the connected frame arrives.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect opens the transport and starts the read loop and local heartbeat.
// On success the client identifies itself and resets the retry counter. On
// failure a reconnect is scheduled with backoff, so Connect only returns the
// first dial's error as information, not as a terminal condition. The context
// governs all dials, including scheduled reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.manualClose = false
	c.attempt = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial()
}

// dial opens one connection attempt. On failure the disconnect path runs,
// scheduling the next attempt if budget remains.
func (c *Client) dial() error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	conn, _, _, err := ws.Dial(ctx, c.config.URL)
	if err != nil {
		log.Printf("client: dial %s: %v", c.config.URL, err)
		c.handleDisconnect()
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.setStateLocked(StateConnected)
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	// Announce identity before anything else.
	if err := c.Send(map[string]interface{}{
		"type":     "identify",
		"userId":   c.config.UserID,
		"userName": c.config.UserName,
	}); err != nil {
		log.Printf("client: identify: %v", err)
	}

	go c.readLoop(conn)
	go c.heartbeatLoop(stop)
	return nil
}

// Send marshals and writes one JSON frame. It fails with ErrNotConnected if
// no transport is open.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendMessage sends a chat message to the room.
func (c *Client) SendMessage(content string) error {
	return c.Send(map[string]interface{}{"type": "message", "content": content})
}

// SendTyping sends a typing indicator.
func (c *Client) SendTyping(isTyping bool) error {
	return c.Send(map[string]interface{}{"type": "typing", "isTyping": isTyping})
}

// Disconnect closes the transport and cancels any pending reconnect. It is
// callable from any state and forces StateDisconnected with no further
// retries.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// readLoop reads frames until the transport fails, dispatching each to the
// registered handler for its type. The connected frame is handled internally
// to capture the session ID.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			c.mu.Unlock()
			if stale {
				// A newer connection replaced this one; nothing to clean up.
				return
			}
			c.handleDisconnect()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == "connected" {
			var msg struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.mu.Lock()
				c.sessionID = msg.SessionID
				c.mu.Unlock()
			}
		}

		c.mu.Lock()
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// heartbeatLoop sends an app-level ping on a fixed interval, independent of
// the server's probe cycle, until stopped.
func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// handleDisconnect runs the transition out of Connected/Connecting: it stops
// the heartbeat and either schedules the next attempt with backoff or, once
// the budget is spent, parks in the terminal unavailable state.
func (c *Client) handleDisconnect() {
	c.mu.Lock()

	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	if c.manualClose {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}

	if c.attempt >= c.config.MaxRetries {
		log.Printf("client: %v after %d attempts", ErrReconnectExhausted, c.attempt)
		c.setStateLocked(StateUnavailable)
		c.mu.Unlock()
		return
	}

	delay := Backoff(c.attempt, c.config.BaseDelay, c.config.MaxDelay)
	c.attempt++
	c.setStateLocked(StateConnecting)
	log.Printf("client: reconnecting in %s (attempt %d/%d)", delay, c.attempt, c.config.MaxRetries)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manualClose {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.dial()
	})
	c.mu.Unlock()
}

// setStateLocked updates the state and fires the transition callback outside
// the lock. Callers must hold mu.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		fn := c.onState
		go fn(s)
	}
}

// stopHeartbeatLocked stops the keepalive loop if one is running. Callers
// must hold mu.
func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}
