package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"farmstation/backend/internal/telemetry"
)

// WSTransport is a reconnecting WebSocket channel to the server's /ws
// endpoint.
type WSTransport struct {
	url        string
	dialer     *websocket.Dialer
	header     http.Header
	writeWait  time.Duration
	pongWait   time.Duration
	newBackOff func() backoff.BackOff
	logger     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type TransportOption func(*WSTransport)

func WithBackOff(newBackOff func() backoff.BackOff) TransportOption {
	return func(transport *WSTransport) {
		transport.newBackOff = newBackOff
	}
}

func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(transport *WSTransport) {
		transport.logger = logger
	}
}

func WithHeader(header http.Header) TransportOption {
	return func(transport *WSTransport) {
		transport.header = header
	}
}

// NewWSTransport accepts an http(s) or ws(s) server URL. clientID lets the
// server resume this client's subscriptions after a reconnect.
func NewWSTransport(serverURL string, clientID string, options ...TransportOption) (*WSTransport, error) {
	endpoint, err := sessionURL(serverURL, clientID)
	if err != nil {
		return nil, err
	}

	transport := &WSTransport{
		url:        endpoint,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		writeWait:  10 * time.Second,
		pongWait:   90 * time.Second,
		newBackOff: defaultBackOff,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(transport)
	}
	return transport, nil
}

func sessionURL(serverURL string, clientID string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", parsed.Scheme)
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	query := parsed.Query()
	if clientID != "" {
		query.Set("clientId", clientID)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func defaultBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = 500 * time.Millisecond
	exponential.MaxInterval = 30 * time.Second
	exponential.MaxElapsedTime = 0
	return exponential
}

func (transport *WSTransport) Send(ctx context.Context, message telemetry.Message) error {
	transport.mu.Lock()
	conn := transport.conn
	transport.mu.Unlock()
	if conn == nil {
		return telemetry.ErrNotConnected
	}

	transport.writeMu.Lock()
	defer transport.writeMu.Unlock()

	deadline := time.Now().Add(transport.writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(message); err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrNotConnected, err)
	}
	return nil
}

// Run dials, reads until the connection fails and redials with exponential
// backoff. It returns nil once ctx is done.
func (transport *WSTransport) Run(ctx context.Context, handler TransportHandler) error {
	retry := transport.newBackOff()

	for {
		conn, _, err := transport.dialer.DialContext(ctx, transport.url, transport.header)
		if err == nil {
			retry.Reset()
			transport.setConn(conn)
			transport.logger.Info("channel connected", "url", transport.url)
			handler.OnConnect()

			err = transport.readLoop(ctx, conn, handler)
			transport.setConn(nil)
			_ = conn.Close()
		}

		if ctx.Err() != nil {
			return nil
		}
		handler.OnDisconnect(err)

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("reconnect gave up: %w", err)
		}
		transport.logger.Debug("channel reconnecting", "in", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (transport *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, handler TransportHandler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(transport.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(transport.pongWait))
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(transport.writeWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", telemetry.ErrNotConnected, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(transport.pongWait))

		var message telemetry.Message
		if err := json.Unmarshal(raw, &message); err != nil {
			transport.logger.Debug("ignoring malformed server message", "err", err)
			continue
		}
		handler.OnMessage(message)
	}
}

func (transport *WSTransport) setConn(conn *websocket.Conn) {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	transport.conn = conn
}
