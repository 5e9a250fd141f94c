package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

// WebSocket is a Channel over a gorilla websocket connection. Writes are
// serialized by a mutex; a single read loop feeds the inbox.
type WebSocket struct {
	conn  *websocket.Conn
	codec protocol.Codec
	in    *inbox

	mu sync.Mutex // guards writes to conn

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection and starts its read loop.
// A nil codec selects JSON.
func NewWebSocket(conn *websocket.Conn, codec protocol.Codec) *WebSocket {
	if codec == nil {
		codec = protocol.JSON()
	}
	w := &WebSocket{
		conn:  conn,
		codec: codec,
		in:    newInbox(DefaultBuffer),
		done:  make(chan struct{}),
	}
	go w.in.run(w.done)
	go w.readLoop()
	return w
}

// DialWebSocket connects to rawURL, passing auth through unchanged: a token
// becomes a bearer Authorization header, username/password basic auth.
func DialWebSocket(ctx context.Context, rawURL string, auth *protocol.Auth, codec protocol.Codec) (*WebSocket, error) {
	if codec == nil {
		codec = protocol.JSON()
	}

	target, err := withCodecQuery(rawURL, codec)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, AuthHeader(auth))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	return NewWebSocket(conn, codec), nil
}

// AuthHeader converts auth into request headers. A nil auth yields nil.
func AuthHeader(auth *protocol.Auth) http.Header {
	if auth == nil {
		return nil
	}
	h := http.Header{}
	switch {
	case auth.Token != "":
		h.Set("Authorization", "Bearer "+auth.Token)
	case auth.Username != "" || auth.Password != "":
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set("Authorization", "Basic "+cred)
	}
	return h
}

func withCodecQuery(rawURL string, codec protocol.Codec) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid websocket url: %s", rawURL)
	}
	if codec.Name() != protocol.CodecJSON {
		q := u.Query()
		q.Set("codec", codec.Name())
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (w *WebSocket) readLoop() {
	defer w.Close()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					util.LogDebug("websocket read ended: %v", err)
				}
			}
			return
		}

		env, err := w.codec.Unmarshal(data)
		if err != nil {
			util.LogWarning("dropping malformed frame: %v", err)
			continue
		}
		if !w.in.push(env, w.done) {
			return
		}
	}
}

func (w *WebSocket) Send(env *protocol.Envelope) error {
	data, err := w.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	msgType := websocket.TextMessage
	if w.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return protocol.ErrClosed
	default:
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *WebSocket) OnMessage(fn func(*protocol.Envelope)) { w.in.setHandler(fn) }
func (w *WebSocket) Done() <-chan struct{}                 { return w.done }

// Close sends a close frame (best effort) and closes the connection.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}
