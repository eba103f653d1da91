package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"syncpad/database"
	"syncpad/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	pingInterval     = 15 * time.Second
	writeWait        = 5 * time.Second
)

// Conn is one live connection inside a user group. Outbound frames go
// through a buffered channel drained by a single writer goroutine, so
// broadcasts from other connections' handlers never race on the socket.
type Conn struct {
	hub       *Hub
	userId    uint
	msgs      chan []byte
	closeSlow func()
}

// send enqueues a frame without blocking. A connection too slow to drain
// its buffer is closed rather than stalling the rest of the group.
func (c *Conn) send(frame []byte) {
	select {
	case c.msgs <- frame:
	default:
		go c.closeSlow()
	}
}

// Connect upgrades the request and runs the connection until it fails or
// either side closes. The auth middleware has already resolved the user.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value("user").(*database.User)
	if !ok {
		http.Error(w, "Invalid user", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logf("accept failed: %v", err)
		return
	}
	defer ws.CloseNow()

	if err := h.serve(ws, user.ID); err != nil {
		h.logf("connection for user %d closed: %v", user.ID, err)
	}
}

func writeTimeout(ctx context.Context, timeout time.Duration, ws *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return ws.Write(ctx, websocket.MessageText, frame)
}

// serve completes the handshake, registers the connection in its user
// group and pumps frames in both directions until the first error.
func (h *Hub) serve(ws *websocket.Conn, userId uint) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var splitter protocol.Splitter
	pending, err := h.awaitHandshake(ctx, ws, &splitter)
	if err != nil {
		return err
	}
	if err := writeTimeout(ctx, writeWait, ws, protocol.EncodeHandshakeResponse("")); err != nil {
		return fmt.Errorf("handshake response: %w", err)
	}

	conn := &Conn{
		hub:    h,
		userId: userId,
		msgs:   make(chan []byte, h.connMessageBuffer),
		closeSlow: func() {
			cancel()
			ws.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
		},
	}
	h.addConn(conn)
	defer h.removeConn(conn)

	// Writer: the only goroutine that touches the socket for writes.
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case frame := <-conn.msgs:
				if err := writeTimeout(ctx, writeWait, ws, frame); err != nil {
					writeErr <- err
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Keepalive.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.send(protocol.EncodePing())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Frames that followed the handshake in the same read.
	for _, raw := range pending {
		if err := h.handleFrame(conn, raw); err != nil {
			return err
		}
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			select {
			case werr := <-writeErr:
				return fmt.Errorf("write: %w", werr)
			default:
			}
			return err
		}
		for _, raw := range splitter.Push(data) {
			if err := h.handleFrame(conn, raw); err != nil {
				return err
			}
		}
	}
}

// awaitHandshake reads until the first complete frame arrives and
// validates it as a handshake request. The 5s limit keeps half-open
// connections from occupying the server. Any complete frames received
// after the handshake are returned for later dispatch.
func (h *Hub) awaitHandshake(ctx context.Context, ws *websocket.Conn, splitter *protocol.Splitter) ([][]byte, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		_, data, err := ws.Read(hsCtx)
		if err != nil {
			return nil, fmt.Errorf("handshake read: %w", err)
		}

		msgs := splitter.Push(data)
		if len(msgs) == 0 {
			continue
		}

		dec, err := protocol.Decode(msgs[0])
		if err != nil || dec.Handshake == nil {
			writeTimeout(ctx, writeWait, ws, protocol.EncodeHandshakeResponse("expected handshake request"))
			return nil, fmt.Errorf("invalid handshake frame")
		}
		if dec.Handshake.Protocol != "json" || dec.Handshake.Version != 1 {
			writeTimeout(ctx, writeWait, ws, protocol.EncodeHandshakeResponse(
				fmt.Sprintf("unsupported protocol '%s' version %d", dec.Handshake.Protocol, dec.Handshake.Version)))
			return nil, fmt.Errorf("unsupported handshake protocol")
		}
		return msgs[1:], nil
	}
}

// handleFrame routes one decoded frame. A decode failure is a protocol
// error and tears the connection down.
func (h *Hub) handleFrame(conn *Conn, raw []byte) error {
	dec, err := protocol.Decode(raw)
	if err != nil {
		conn.send(protocol.EncodeClose("malformed frame"))
		return err
	}

	switch {
	case dec.Ping:
		// Liveness only; the client answers our pings the same way.
		return nil
	case dec.Close != nil:
		if dec.Close.Error != "" {
			return fmt.Errorf("peer closed: %s", dec.Close.Error)
		}
		return fmt.Errorf("peer closed")
	case dec.Invocation != nil:
		if err := h.dispatch(conn, dec.Invocation); err != nil {
			// The call failed; surface the error to the caller.
			conn.send(protocol.EncodeClose(err.Error()))
			return err
		}
		return nil
	default:
		conn.send(protocol.EncodeClose("unexpected handshake"))
		return fmt.Errorf("handshake after connection established")
	}
}
