// Package broker fans device readings out to the connection sessions that
// asked for them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"farmstation/backend/internal/telemetry"
)

// Directory answers whether a device may be subscribed to.
type Directory interface {
	KnownDevice(ctx context.Context, deviceID string) (bool, error)
}

type Config struct {
	QueueSize      int
	ResumeTTL      time.Duration
	ResumeCapacity int
	DeviceCacheTTL time.Duration
	LookupTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		ResumeTTL:      2 * time.Minute,
		ResumeCapacity: 4096,
		DeviceCacheTTL: 30 * time.Second,
		LookupTimeout:  2 * time.Second,
	}
}

type Option func(*Broker)

// WithDirectory makes Subscribe reject devices the directory does not know.
func WithDirectory(directory Directory) Option {
	return func(broker *Broker) {
		broker.directory = directory
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(broker *Broker) {
		broker.logger = logger
	}
}

type Broker struct {
	config    Config
	directory Directory
	logger    *slog.Logger
	known     *expirable.LRU[string, struct{}]
	resume    *expirable.LRU[string, []string]

	mu          sync.RWMutex
	subscribers map[string]map[*Session]struct{}
	sessions    map[string]*Session
}

func New(config Config, options ...Option) *Broker {
	cfg := config
	defaults := DefaultConfig()

	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.ResumeTTL <= 0 {
		cfg.ResumeTTL = defaults.ResumeTTL
	}
	if cfg.ResumeCapacity < 1 {
		cfg.ResumeCapacity = defaults.ResumeCapacity
	}
	if cfg.DeviceCacheTTL <= 0 {
		cfg.DeviceCacheTTL = defaults.DeviceCacheTTL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaults.LookupTimeout
	}

	broker := &Broker{
		config:      cfg,
		logger:      slog.Default(),
		known:       expirable.NewLRU[string, struct{}](4096, nil, cfg.DeviceCacheTTL),
		resume:      expirable.NewLRU[string, []string](cfg.ResumeCapacity, nil, cfg.ResumeTTL),
		subscribers: make(map[string]map[*Session]struct{}),
		sessions:    make(map[string]*Session),
	}
	for _, option := range options {
		option(broker)
	}

	return broker
}

// NewSession creates a session in the Connecting state. It receives nothing
// until Open is called.
func (broker *Broker) NewSession(clientID string, sender Sender) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:       id,
		clientID: strings.TrimSpace(clientID),
		broker:   broker,
		sender:   sender,
		queue:    newOutbox(broker.config.QueueSize),
		logger:   broker.logger.With("session", id),
		ctx:      ctx,
		cancel:   cancel,
		state:    Connecting,
		stopped:  make(chan struct{}),
		watched:  make(map[string]struct{}),
	}
}

// Subscribe adds the session to the device's subscriber set and acknowledges
// it. Subscribing twice is a no-op apart from the repeated acknowledgement.
func (broker *Broker) Subscribe(ctx context.Context, session *Session, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		err := &telemetry.SubscriptionError{DeviceID: deviceID, Err: errors.New("deviceId is required")}
		_ = session.Send(telemetry.SubscriptionErrorMessage(deviceID, err))
		return err
	}

	if err := broker.checkDevice(ctx, deviceID); err != nil {
		subscriptionErr := &telemetry.SubscriptionError{DeviceID: deviceID, Err: err}
		_ = session.Send(telemetry.SubscriptionErrorMessage(deviceID, subscriptionErr))
		return subscriptionErr
	}

	broker.mu.Lock()
	if session.dropped {
		broker.mu.Unlock()
		return telemetry.ErrSessionClosed
	}
	set, ok := broker.subscribers[deviceID]
	if !ok {
		set = make(map[*Session]struct{})
		broker.subscribers[deviceID] = set
	}
	set[session] = struct{}{}
	session.watched[deviceID] = struct{}{}
	// Queue the ack before releasing the lock so no publish for this device
	// can reach the session ahead of it.
	err := session.Send(telemetry.Message{Event: telemetry.EventSubscriptionConfirmed, DeviceID: deviceID})
	broker.mu.Unlock()

	session.logger.Debug("device subscribed", "device", deviceID)
	return err
}

// Unsubscribe is idempotent and always acknowledges.
func (broker *Broker) Unsubscribe(session *Session, deviceID string) {
	deviceID = strings.TrimSpace(deviceID)

	broker.mu.Lock()
	if set, ok := broker.subscribers[deviceID]; ok {
		delete(set, session)
		if len(set) == 0 {
			delete(broker.subscribers, deviceID)
		}
	}
	delete(session.watched, deviceID)
	broker.mu.Unlock()

	session.logger.Debug("device unsubscribed", "device", deviceID)
	_ = session.Send(telemetry.Message{Event: telemetry.EventUnsubscriptionConfirmed, DeviceID: deviceID})
}

// Publish enqueues the reading on every session subscribed to its device and
// returns how many sessions it was queued for. It never waits on a session.
func (broker *Broker) Publish(reading telemetry.Reading) int {
	broker.mu.RLock()
	set := broker.subscribers[reading.DeviceID]
	targets := make([]*Session, 0, len(set))
	for session := range set {
		targets = append(targets, session)
	}
	broker.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	message := telemetry.SensorUpdateMessage(reading)
	delivered := 0
	for _, session := range targets {
		if err := session.Send(message); err != nil {
			broker.logger.Warn(
				"publish to closed session",
				"session", session.id,
				"device", reading.DeviceID,
				"err", err,
			)
			broker.DropSession(session)
			continue
		}
		delivered++
	}

	return delivered
}

// DropSession removes the session from every subscriber set it belongs to and
// returns the devices it was watching.
func (broker *Broker) DropSession(session *Session) []string {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	devices := make([]string, 0, len(session.watched))
	for deviceID := range session.watched {
		devices = append(devices, deviceID)
		if set, ok := broker.subscribers[deviceID]; ok {
			delete(set, session)
			if len(set) == 0 {
				delete(broker.subscribers, deviceID)
			}
		}
	}
	clear(session.watched)
	session.dropped = true
	delete(broker.sessions, session.id)

	return devices
}

func (broker *Broker) SessionCount() int {
	broker.mu.RLock()
	defer broker.mu.RUnlock()
	return len(broker.sessions)
}

func (broker *Broker) SubscriberCount(deviceID string) int {
	broker.mu.RLock()
	defer broker.mu.RUnlock()
	return len(broker.subscribers[deviceID])
}

func (broker *Broker) register(session *Session) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if !session.dropped {
		broker.sessions[session.id] = session
	}
}

func (broker *Broker) watchedBy(session *Session) []string {
	broker.mu.RLock()
	defer broker.mu.RUnlock()

	devices := make([]string, 0, len(session.watched))
	for deviceID := range session.watched {
		devices = append(devices, deviceID)
	}
	return devices
}

func (broker *Broker) checkDevice(ctx context.Context, deviceID string) error {
	if broker.directory == nil {
		return nil
	}
	if _, ok := broker.known.Get(deviceID); ok {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, broker.config.LookupTimeout)
	defer cancel()

	known, err := broker.directory.KnownDevice(lookupCtx, deviceID)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	if !known {
		return telemetry.ErrUnknownDevice
	}

	broker.known.Add(deviceID, struct{}{})
	return nil
}

func (broker *Broker) rememberResume(clientID string, devices []string) {
	if clientID == "" || len(devices) == 0 {
		return
	}
	broker.resume.Add(clientID, devices)
}

func (broker *Broker) takeResume(clientID string) []string {
	if clientID == "" {
		return nil
	}
	devices, ok := broker.resume.Get(clientID)
	if !ok {
		return nil
	}
	broker.resume.Remove(clientID)
	return devices
}
