package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one live transport connection. Implementations must allow
// ReadMessage from one goroutine concurrently with WriteMessage and
// Close from another.
type Socket interface {
	// ReadMessage blocks for the next inbound message. It returns an
	// error when the connection closes; a *websocket.CloseError
	// carries the server's close code.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one outbound message.
	WriteMessage(data []byte) error

	// Close sends a close frame with the given code and tears the
	// connection down. Safe to call more than once.
	Close(code int, reason string) error
}

// Dialer opens sockets. An error wrapping ErrAuthRejected means the
// server refused the credential during the handshake.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// dialURL builds the connection URI with the auth token as a query
// parameter. The server authenticates at dial time; no auth frame is
// sent after connecting.
func dialURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// wsDialer is the production Dialer, backed by gorilla/websocket.
type wsDialer struct {
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	pongTimeout      time.Duration
	logger           *slog.Logger
}

func newWSDialer(cfg ManagerConfig, logger *slog.Logger) *wsDialer {
	return &wsDialer{
		handshakeTimeout: cfg.HandshakeTimeout,
		writeTimeout:     cfg.WriteTimeout,
		pingInterval:     cfg.PingInterval,
		pongTimeout:      cfg.PongTimeout,
		logger:           logger,
	}
}

// Dial establishes the WebSocket connection and starts its keepalive.
func (d *wsDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, http.Header{})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, ErrAuthRejected)
		}
		return nil, err
	}

	s := &wsSocket{
		conn:         conn,
		writeTimeout: d.writeTimeout,
		pongTimeout:  d.pongTimeout,
		done:         make(chan struct{}),
		logger:       d.logger,
	}

	// Any inbound traffic (including control frames) proves liveness;
	// a stale connection surfaces as a read deadline error.
	conn.SetReadDeadline(time.Now().Add(d.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.pongTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(d.pongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go s.pingLoop(d.pingInterval)

	return s, nil
}

// wsSocket wraps one gorilla/websocket connection.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongTimeout  time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

// pingLoop sends keepalive pings until the socket closes.
func (s *wsSocket) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(
				websocket.PingMessage,
				[]byte("keepalive"),
				time.Now().Add(time.Second),
			)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}
