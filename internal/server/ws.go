package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"farmstation/backend/internal/telemetry"
)

// maxSessionMessageBytes bounds one client frame; client messages are small
// subscribe and unsubscribe requests.
const maxSessionMessageBytes = 4096

type Keepalive struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultKeepalive() Keepalive {
	return Keepalive{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// wsSender serialises writes; gorilla connections allow one concurrent writer.
type wsSender struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
}

func (sender *wsSender) Send(ctx context.Context, message telemetry.Message) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()

	deadline := time.Now().Add(sender.writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := sender.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return sender.conn.WriteJSON(message)
}

func (api *API) handleSession(response http.ResponseWriter, request *http.Request) {
	conn, err := api.upgrader.Upgrade(response, request, nil)
	if err != nil {
		api.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	sender := &wsSender{conn: conn, writeWait: api.keepalive.WriteWait}
	session := api.broker.NewSession(request.URL.Query().Get("clientId"), sender)
	logger := api.logger.With("session", session.ID(), "client", session.ClientID())

	ctx := request.Context()
	if err := session.Open(ctx); err != nil {
		logger.Warn("session open failed", "err", err)
		_ = conn.Close()
		return
	}
	logger.Info("session connected", "remote", clientIdentity(request, api.trustProxyHeaders))

	defer func() {
		session.OnClose()
		_ = conn.Close()
		logger.Info("session disconnected")
	}()

	go api.keepSessionAlive(session.Done(), session.Close, conn)

	conn.SetReadLimit(maxSessionMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(api.keepalive.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(api.keepalive.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("session read failed", "err", err)
			}
			return
		}

		var message telemetry.Message
		if err := json.Unmarshal(raw, &message); err != nil {
			logger.Debug("ignoring malformed client message", "err", err)
			continue
		}

		switch message.Event {
		case telemetry.EventSubscribeDevice:
			if err := session.OnSubscribe(ctx, message.DeviceID); err != nil {
				logger.Debug("subscribe rejected", "device", message.DeviceID, "err", err)
			}
		case telemetry.EventUnsubscribeDevice:
			session.OnUnsubscribe(message.DeviceID)
		default:
			logger.Debug("ignoring client event", "event", message.Event)
		}
	}
}

// keepSessionAlive pings until the session is done, then closes the
// connection so the read loop unblocks.
func (api *API) keepSessionAlive(done <-chan struct{}, closeSession func(), conn *websocket.Conn) {
	ticker := time.NewTicker(api.keepalive.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			_ = conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(api.keepalive.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				closeSession()
			}
		}
	}
}
