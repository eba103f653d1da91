package client

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport carries frames over a websocket connection. Writes are
// serialized because both the ping loop and callers write concurrently.
type wsTransport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// NewWebSocketClient builds a Client that dials the hub endpoint with the
// session token passed as an access_token query parameter.
func NewWebSocketClient(hubURL string, token string) (*Client, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	target := u.String()

	return New(func() (Transport, error) {
		conn, _, err := websocket.DefaultDialer.Dial(target, nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}), nil
}
