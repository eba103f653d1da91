// Package client implements the client side of the sync protocol:
// handshake, keepalive, dispatch of server invocations and reconnect
// with backoff. The framing logic sits behind the Transport interface so
// the state machine can be exercised without a socket.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"syncpad/database"
	"syncpad/protocol"
)

const (
	handshakeTimeout     = 5 * time.Second
	pingInterval         = 15 * time.Second
	maxReconnectAttempts = 5
	maxReconnectDelay    = 30 * time.Second
)

// Transport is one message-oriented connection to the server. WriteMessage
// must be safe for concurrent use.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a fresh Transport for each connection attempt.
type Dialer func() (Transport, error)

type State int

const (
	Disconnected State = iota
	Connecting
	HandshakePending
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakePending:
		return "handshake-pending"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// session is the per-connection state torn down as a unit, so no timer
// of a dead connection can fire into a live one.
type session struct {
	transport Transport
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.Close()
	})
}

type Client struct {
	OnTextUpdate             func(database.TextSyncMessage)
	OnFileUpdate             func(database.FileSyncMessage)
	OnFileList               func([]database.FileItemView)
	OnFilePositionChanged    func(fileId uint, posX int, posY int)
	OnConnectionStateChanged func(connected bool)

	dial Dialer
	logf func(f string, v ...interface{})

	// Overridable in tests; production values come from the constants.
	handshakeTimeout   time.Duration
	pingInterval       time.Duration
	reconnectBaseDelay time.Duration

	mu                sync.Mutex
	state             State
	sess              *session
	splitter          protocol.Splitter
	handshakeTimer    *time.Timer
	reconnectAttempts int
	stopped           bool
	lastErr           error
}

func New(dial Dialer) *Client {
	return &Client{
		dial: dial,
		logf: func(f string, v ...interface{}) {
			log.Printf(f, v...)
		},
		handshakeTimeout:   handshakeTimeout,
		pingInterval:       pingInterval,
		reconnectBaseDelay: 2 * time.Second,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that caused the most recent disconnect,
// which after the attempt cap is the permanent failure.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect dials the server and starts the handshake. It returns once the
// connection attempt is underway; completion is reported through
// OnConnectionStateChanged.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.stopped = false
	c.state = Connecting
	c.mu.Unlock()

	return c.connect()
}

func (c *Client) connect() error {
	transport, err := c.dial()
	if err != nil {
		c.connectionFailure(nil, fmt.Errorf("dial: %w", err))
		return err
	}

	sess := &session{
		transport: transport,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		sess.close()
		return fmt.Errorf("client disconnected")
	}
	c.sess = sess
	c.state = HandshakePending
	c.splitter = protocol.Splitter{}
	c.handshakeTimer = time.AfterFunc(c.handshakeTimeout, func() {
		c.handshakeTimedOut(sess)
	})
	c.mu.Unlock()

	if err := transport.WriteMessage(protocol.EncodeHandshakeRequest()); err != nil {
		c.connectionFailure(sess, fmt.Errorf("handshake send: %w", err))
		return err
	}

	go c.readLoop(sess)
	return nil
}

func (c *Client) handshakeTimedOut(sess *session) {
	c.mu.Lock()
	stale := c.sess != sess || c.state != HandshakePending
	c.mu.Unlock()
	if stale {
		return
	}
	c.logf("handshake timed out")
	c.connectionFailure(sess, fmt.Errorf("handshake timeout"))
}

// Disconnect closes the connection and stops all reconnect attempts.
// Safe to call at any time, in any state, repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	wasConnected := c.state == Connected
	c.sess = nil
	c.state = Disconnected
	c.stopped = true
	c.reconnectAttempts = 0
	c.splitter = protocol.Splitter{}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if wasConnected && c.OnConnectionStateChanged != nil {
		c.OnConnectionStateChanged(false)
	}
}

// connectionFailure tears down the current session and schedules a
// reconnect with backoff, up to the attempt cap.
func (c *Client) connectionFailure(sess *session, err error) {
	c.mu.Lock()
	if sess != nil && c.sess != sess {
		// A newer session took over; nothing to do.
		c.mu.Unlock()
		return
	}
	if c.stopped {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	c.sess = nil
	c.lastErr = err
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}

	if c.reconnectAttempts >= maxReconnectAttempts {
		c.state = Disconnected
		c.stopped = true
		c.mu.Unlock()

		if sess != nil {
			sess.close()
		}
		c.logf("giving up after %d reconnect attempts: %v", maxReconnectAttempts, err)
		if c.OnConnectionStateChanged != nil {
			c.OnConnectionStateChanged(false)
		}
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.state = Reconnecting
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if wasConnected && c.OnConnectionStateChanged != nil {
		c.OnConnectionStateChanged(false)
	}

	delay := time.Duration(attempt) * c.reconnectBaseDelay
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	c.logf("connection lost (%v), reconnecting in %v (attempt %d/%d)", err, delay, attempt, maxReconnectAttempts)

	go func() {
		time.Sleep(delay)

		c.mu.Lock()
		if c.stopped || c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		c.mu.Unlock()

		c.connect()
	}()
}

func (c *Client) readLoop(sess *session) {
	for {
		data, err := sess.transport.ReadMessage()
		if err != nil {
			select {
			case <-sess.done:
				return
			default:
			}
			c.connectionFailure(sess, err)
			return
		}

		c.mu.Lock()
		if c.sess != sess {
			c.mu.Unlock()
			return
		}
		msgs := c.splitter.Push(data)
		c.mu.Unlock()

		for _, raw := range msgs {
			if err := c.handleMessage(sess, raw); err != nil {
				c.connectionFailure(sess, err)
				return
			}
		}
	}
}

func (c *Client) handleMessage(sess *session, raw []byte) error {
	c.mu.Lock()
	pendingHandshake := c.state == HandshakePending && c.sess == sess
	c.mu.Unlock()

	if pendingHandshake {
		ok, errMsg := protocol.IsHandshakeResponse(raw)
		if ok && errMsg == "" {
			c.handshakeComplete(sess)
			return nil
		}
		if ok {
			return fmt.Errorf("handshake rejected: %s", errMsg)
		}
		return fmt.Errorf("unexpected frame before handshake response")
	}

	dec, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	switch {
	case dec.Ping:
		// Answer the server's keepalive.
		if err := sess.transport.WriteMessage(protocol.EncodePing()); err != nil {
			return fmt.Errorf("pong: %w", err)
		}
		return nil
	case dec.Close != nil:
		if dec.Close.Error != "" {
			return fmt.Errorf("server closed connection: %s", dec.Close.Error)
		}
		return fmt.Errorf("server closed connection")
	case dec.Invocation != nil:
		c.handleInvocation(dec.Invocation)
		return nil
	default:
		return fmt.Errorf("unexpected handshake frame")
	}
}

func (c *Client) handshakeComplete(sess *session) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.state = Connected
	c.reconnectAttempts = 0
	c.mu.Unlock()

	go c.pingLoop(sess)

	if c.OnConnectionStateChanged != nil {
		c.OnConnectionStateChanged(true)
	}
}

func (c *Client) pingLoop(sess *session) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.transport.WriteMessage(protocol.EncodePing()); err != nil {
				c.connectionFailure(sess, fmt.Errorf("ping: %w", err))
				return
			}
		case <-sess.done:
			return
		}
	}
}

// handleInvocation decodes server-to-client targets. Unknown targets are
// logged and skipped; the server may be newer than this client.
func (c *Client) handleInvocation(inv *protocol.Invocation) {
	decode := func(i int, dest interface{}) bool {
		if i >= len(inv.Arguments) {
			c.logf("%s: missing argument %d", inv.Target, i)
			return false
		}
		if err := json.Unmarshal(inv.Arguments[i], dest); err != nil {
			c.logf("%s: bad argument %d: %v", inv.Target, i, err)
			return false
		}
		return true
	}

	switch inv.Target {
	case "ReceiveTextUpdate":
		var message database.TextSyncMessage
		if decode(0, &message) && c.OnTextUpdate != nil {
			c.OnTextUpdate(message)
		}
	case "ReceiveFileUpdate":
		var message database.FileSyncMessage
		if decode(0, &message) && c.OnFileUpdate != nil {
			c.OnFileUpdate(message)
		}
	case "ReceiveFileList":
		var files []database.FileItemView
		if decode(0, &files) && c.OnFileList != nil {
			c.OnFileList(files)
		}
	case "ReceiveFilePositionChanged":
		var fileId uint
		var posX, posY int
		if decode(0, &fileId) && decode(1, &posX) && decode(2, &posY) && c.OnFilePositionChanged != nil {
			c.OnFilePositionChanged(fileId, posX, posY)
		}
	default:
		c.logf("unknown target: %s", inv.Target)
	}
}

// sendInvocation writes one invocation frame; write failures feed the
// reconnect logic.
func (c *Client) sendInvocation(target string, args ...interface{}) error {
	c.mu.Lock()
	sess := c.sess
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || sess == nil {
		return fmt.Errorf("not connected")
	}

	frame, err := protocol.EncodeInvocation(target, args...)
	if err != nil {
		return err
	}
	if err := sess.transport.WriteMessage(frame); err != nil {
		c.connectionFailure(sess, err)
		return err
	}
	return nil
}

func (c *Client) SendTextUpdate(content string) error {
	return c.sendInvocation("SendTextUpdate", content)
}

func (c *Client) RequestLatestText() error {
	return c.sendInvocation("RequestLatestText")
}

func (c *Client) RequestFileList() error {
	return c.sendInvocation("RequestFileList")
}

func (c *Client) UpdateFilePosition(fileId uint, posX int, posY int) error {
	return c.sendInvocation("UpdateFilePosition", fileId, posX, posY)
}
