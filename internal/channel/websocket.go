package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer subscribes to `<BaseURL>/ws/<jobID>`.
type WebSocketDialer struct {
	BaseURL string
	Header  http.Header
	// PingInterval sends a text heartbeat this often; zero disables it.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// NewWebSocketDialer builds a dialer with gorilla's default handshake settings.
func NewWebSocketDialer(baseURL string, pingInterval time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		BaseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		PingInterval: pingInterval,
	}
}

// Endpoint returns the websocket URL for jobID.
func (d *WebSocketDialer) Endpoint(jobID string) string {
	return strings.TrimRight(d.BaseURL, "/") + "/ws/" + url.PathEscape(jobID)
}

func (d *WebSocketDialer) Dial(ctx context.Context, jobID string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, d.Endpoint(jobID), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel: websocket handshake: http %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("channel: websocket dial: %w", err)
	}
	c := &wsConn{ws: ws, done: make(chan struct{})}
	if d.PingInterval > 0 {
		go c.keepalive(d.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// keepalive is the only writer of data frames on the connection.
func (c *wsConn) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(every))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}
