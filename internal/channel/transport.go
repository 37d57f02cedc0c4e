package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// Transport is one established, message-oriented connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Transport presenting token as the bearer credential. A
// rejected credential must be reported as an error wrapping ErrAuthRequired.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// WebSocketDialer dials the chat endpoint over WebSocket.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

// Dial performs the upgrade with an Authorization header.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Transport, error) {
	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				resp.Body.Close() //nolint:errcheck // best-effort close
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: upgrade rejected with %s", ErrAuthRequired, resp.Status)
			}
		}
		return nil, fmt.Errorf("%w: dial: %w", ErrTransportFailure, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return t.closeErr
}
