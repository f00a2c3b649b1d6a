package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
}

const (
	defaultWSHandshake   = 10 * time.Second
	defaultWSReadTimeout = 5 * time.Second
	defaultWSMaxMessage  = 1024 * 1024
	wsWriteWait          = 10 * time.Second
)

// WebSocketTransport dials a WebSocket endpoint, writes the step's
// messages and collects replies. The response body is a JSON array of
// the received messages; replies that are valid JSON are embedded as
// values, anything else as strings.
type WebSocketTransport struct {
	config WebSocketConfig
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultWSHandshake
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultWSReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessage
	}
	return &WebSocketTransport{config: cfg}
}

// Dispatch runs one send/receive exchange.
func (t *WebSocketTransport) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var messages []any
	readCount := 0
	readTimeout := t.config.ReadTimeout
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.config.HandshakeTimeout,
	}
	if ws := req.WebSocket; ws != nil {
		messages = ws.Messages
		readCount = ws.ReadCount
		if ws.ReadTimeout > 0 {
			readTimeout = ws.ReadTimeout.Std()
		}
		dialer.Subprotocols = ws.Subprotocols
	}
	if messages == nil && req.Body != nil {
		messages = []any{req.Body}
	}
	if readCount <= 0 {
		readCount = max(len(messages), 1)
	}

	header := http.Header{}
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	start := time.Now()
	conn, handshake, err := dialer.DialContext(ctx, req.URL, header)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return nil, NewError(KindProtocol, "bad handshake", err)
		}
		return nil, Classify(err)
	}
	defer conn.Close()
	conn.SetReadLimit(t.config.MaxMessageSize)

	// Closing the connection unblocks pending reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, msg := range messages {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := writeMessage(conn, msg); err != nil {
			return nil, t.ioError(ctx, err)
		}
	}

	received := make([]any, 0, readCount)
	for len(received) < readCount {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && len(received) > 0 {
				break
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return nil, t.ioError(ctx, err)
		}
		received = append(received, decodeMessage(data))
	}
	latency := time.Since(start)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))

	body, err := json.Marshal(received)
	if err != nil {
		return nil, NewError(KindProtocol, "encode messages: "+err.Error(), err)
	}

	status := http.StatusSwitchingProtocols
	headers := map[string]string{}
	if handshake != nil {
		status = handshake.StatusCode
		headers = flattenHeaders(handshake.Header)
	}
	return &Response{Status: status, Headers: headers, Body: body, Latency: latency}, nil
}

func (t *WebSocketTransport) ioError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewError(KindTimeout, "websocket exchange timed out", ctx.Err())
	}
	return Classify(err)
}

func writeMessage(conn *websocket.Conn, msg any) error {
	switch v := msg.(type) {
	case string:
		return conn.WriteMessage(websocket.TextMessage, []byte(v))
	case []byte:
		return conn.WriteMessage(websocket.BinaryMessage, v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, b)
	}
}

func decodeMessage(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

var _ Transport = (*WebSocketTransport)(nil)
