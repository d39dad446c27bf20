package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"farmstation/backend/internal/telemetry"
)

type SessionState int

const (
	Connecting SessionState = iota
	Open
	Closed
)

func (state SessionState) String() string {
	switch state {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(state))
	}
}

// Sender writes one message to the session's duplex channel.
type Sender interface {
	Send(ctx context.Context, message telemetry.Message) error
}

// Session is one client's duplex channel as seen by the broker. Outbound
// messages go through a bounded queue drained by a single delivery goroutine,
// so nothing that enqueues ever waits on the client.
type Session struct {
	id       string
	clientID string
	broker   *Broker
	sender   Sender
	queue    *outbox
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stateMu   sync.Mutex
	state     SessionState
	closeOnce sync.Once
	stopped   chan struct{}

	// guarded by broker.mu
	watched map[string]struct{}
	dropped bool
}

func (session *Session) ID() string {
	return session.id
}

// ClientID identifies the client across reconnects; empty when the client
// did not supply one.
func (session *Session) ClientID() string {
	return session.clientID
}

func (session *Session) State() SessionState {
	session.stateMu.Lock()
	defer session.stateMu.Unlock()
	return session.state
}

// Done is closed once the delivery goroutine has exited after Close.
func (session *Session) Done() <-chan struct{} {
	return session.stopped
}

// Open starts delivery and re-subscribes every device the client was watching
// when its previous session closed.
func (session *Session) Open(ctx context.Context) error {
	session.stateMu.Lock()
	if session.state != Connecting {
		state := session.state
		session.stateMu.Unlock()
		return fmt.Errorf("open session %s: state is %s", session.id, state)
	}
	session.state = Open
	session.stateMu.Unlock()

	session.broker.register(session)
	go session.deliver()

	for _, deviceID := range session.broker.takeResume(session.clientID) {
		if err := session.broker.Subscribe(ctx, session, deviceID); err != nil {
			session.logger.Warn("resume subscription failed", "device", deviceID, "err", err)
		}
	}

	session.logger.Debug("session open")
	return nil
}

// Send enqueues a message for delivery. It never blocks.
func (session *Session) Send(message telemetry.Message) error {
	if session.State() == Closed {
		return telemetry.ErrSessionClosed
	}

	if dropped := session.queue.push(message); dropped > 0 {
		if dropped == 1 || dropped%100 == 0 {
			session.logger.Warn(
				"outbound queue full, dropped oldest",
				"err", telemetry.ErrQueueOverflow,
				"dropped", dropped,
			)
		}
	}
	return nil
}

func (session *Session) OnSubscribe(ctx context.Context, deviceID string) error {
	return session.broker.Subscribe(ctx, session, deviceID)
}

func (session *Session) OnUnsubscribe(deviceID string) {
	session.broker.Unsubscribe(session, deviceID)
}

func (session *Session) OnClose() {
	session.Close()
}

// WatchedDevices returns the devices this session is currently routed.
func (session *Session) WatchedDevices() []string {
	return session.broker.watchedBy(session)
}

// Close is idempotent. It removes the session from every subscriber set and
// remembers the watched devices for resume under the client id.
func (session *Session) Close() {
	session.closeOnce.Do(func() {
		session.stateMu.Lock()
		previous := session.state
		session.state = Closed
		session.stateMu.Unlock()

		devices := session.broker.DropSession(session)
		session.broker.rememberResume(session.clientID, devices)
		session.cancel()

		if previous == Connecting {
			close(session.stopped)
		}

		session.logger.Debug("session closed", "devices", len(devices))
	})
}

func (session *Session) deliver() {
	defer close(session.stopped)

	for {
		select {
		case <-session.ctx.Done():
			return
		case <-session.queue.notify:
		}

		for _, message := range session.queue.drain() {
			if session.ctx.Err() != nil {
				return
			}
			if err := session.sender.Send(session.ctx, message); err != nil {
				if session.ctx.Err() == nil {
					session.logger.Warn("delivery failed, dropping session", "event", message.Event, "err", err)
				}
				session.Close()
				return
			}
		}
	}
}
