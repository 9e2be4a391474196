package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/presencelink/agent/internal/logging"
)

var log = logging.L("transport")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Config holds session client configuration.
type Config struct {
	ServerURL string
	// HandshakeTimeout bounds the websocket dial. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Client holds one websocket connection to the presence service at a time.
// It surfaces connection and protocol activity as Events; it never
// reconnects on its own — the session manager owns that policy.
type Client struct {
	config Config
	events chan Event

	mu   sync.Mutex
	sess *wsSession
}

// wsSession is the state of a single dialed connection.
type wsSession struct {
	conn       *websocket.Conn
	sendChan   chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	userClosed bool
	mu         sync.Mutex
}

func (s *wsSession) markUserClosed() {
	s.mu.Lock()
	s.userClosed = true
	s.mu.Unlock()
}

func (s *wsSession) wasUserClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userClosed
}

// NewClient creates a client. Events() must be drained by the caller.
func NewClient(cfg Config) *Client {
	return &Client{
		config: cfg,
		events: make(chan Event, 32),
	}
}

// Events returns the stream of transport events. The channel is shared
// across reconnects and never closed by the client.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsConnected reports whether a connection is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Connect dials the service and starts the read/write pumps. Emits
// EventConnected on success. Returns an error if already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket URL: %w", err)
	}

	timeout := c.config.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	sess := &wsSession{
		conn:     conn,
		sendChan: make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.writePump(sess)
	go c.readPump(sess)

	log.Info("connected", "server", c.config.ServerURL)
	c.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect closes the current connection, if any. The resulting
// EventDisconnected carries UserInitiated=true. Safe to call when not
// connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	sess.markUserClosed()
	sess.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	sess.conn.Close()
}

// LogOn sends a logon frame carrying either a stored session token or a
// freshly issued access credential. The result arrives as EventLogOnResult.
func (c *Client) LogOn(username, credential string) error {
	return c.send(outboundFrame{Type: frameLogOn, Username: username, Credential: credential})
}

// PushPersona asks the service to set the visible persona name.
func (c *Client) PushPersona(name string) error {
	return c.send(outboundFrame{Type: framePersona, Persona: name})
}

// SetOnline announces the account as online after a successful logon.
func (c *Client) SetOnline() error {
	return c.send(outboundFrame{Type: frameOnline})
}

// LogOff tells the service the session is ending cleanly.
func (c *Client) LogOff() error {
	return c.send(outboundFrame{Type: frameLogOff})
}

func (c *Client) send(frame outboundFrame) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case sess.sendChan <- data:
		return nil
	case <-sess.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send queue full")
	}
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}
	serverURL.Path = "/api/v1/session/ws"

	return serverURL.String(), nil
}

// readPump reads frames until the connection drops, then tears the session
// down and emits the disconnect event exactly once.
func (c *Client) readPump(sess *wsSession) {
	conn := sess.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			c.teardown(sess)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warn("failed to parse frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameLogOnResult:
			c.emit(Event{Kind: EventLogOnResult, Code: frame.Code, Extended: frame.Extended})
		case framePersonaInfo:
			c.emit(Event{Kind: EventPersonaInfo, Persona: frame.Persona})
		default:
			// Acks and service notices carry no state we track.
			log.Debug("ignoring frame", "type", frame.Type)
		}
	}
}

func (c *Client) writePump(sess *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	conn := sess.conn
	for {
		select {
		case <-sess.done:
			return

		case message := <-sess.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) teardown(sess *wsSession) {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.conn.Close()

		c.mu.Lock()
		if c.sess == sess {
			c.sess = nil
		}
		c.mu.Unlock()

		c.emit(Event{Kind: EventDisconnected, UserInitiated: sess.wasUserClosed()})
	})
}

// emit delivers an event without ever blocking the pumps. A full channel
// means the consumer stopped draining; dropping is the lesser evil.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn("event dropped, consumer not draining", "kind", ev.Kind.String())
	}
}
