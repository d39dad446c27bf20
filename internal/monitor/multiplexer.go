// Package monitor is the client side of the telemetry channel: it turns many
// local watchers into one wire subscription per device, survives reconnects
// and polls the reading API while the channel is down.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmstation/backend/internal/telemetry"
)

var ErrClosed = errors.New("multiplexer closed")

// Transport is the client end of the duplex channel. Run connects, reports
// lifecycle and inbound messages to the handler, and reconnects until ctx is
// done.
type Transport interface {
	Send(ctx context.Context, message telemetry.Message) error
	Run(ctx context.Context, handler TransportHandler) error
}

type TransportHandler interface {
	OnConnect()
	OnDisconnect(err error)
	OnMessage(message telemetry.Message)
}

// Source is the query side of the reading store used for polling and for
// seeding history.
type Source interface {
	Latest(ctx context.Context, deviceID string) (telemetry.Reading, bool, error)
	History(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error)
}

type Config struct {
	PollInterval         time.Duration
	RingCapacity         int
	PollFailureThreshold int
	UpdateBuffer         int
	RequestTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         10 * time.Second,
		RingCapacity:         telemetry.DefaultRingCapacity,
		PollFailureThreshold: 3,
		UpdateBuffer:         16,
		RequestTimeout:       5 * time.Second,
	}
}

type Option func(*Multiplexer)

func WithLogger(logger *slog.Logger) Option {
	return func(mux *Multiplexer) {
		mux.logger = logger
	}
}

// Update is delivered to a watcher when its device changes. Reading is nil
// for error and staleness updates.
type Update struct {
	DeviceID string
	Reading  *telemetry.Reading
	Live     bool
	Stale    bool
	Err      error
}

type Status struct {
	Connected bool
	LastError error
	// Stale lists devices whose polling has failed repeatedly.
	Stale []string
}

// Multiplexer owns all subscription state in a single goroutine. Public
// methods and transport callbacks are serialised through its mailbox.
type Multiplexer struct {
	transport Transport
	source    Source
	config    Config
	logger    *slog.Logger

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	status  chan Status

	// owned by the loop goroutine
	connected bool
	lastErr   error
	devices   map[string]*deviceState
	releasing map[string]struct{}
}

type deviceState struct {
	watchers   map[string]*Watch
	ring       *telemetry.Ring
	subscribed bool
	confirmed  bool
	rejected   error
	poller     *poller
	failures   int
	stale      bool
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(transport Transport, source Source, config Config, options ...Option) *Multiplexer {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RingCapacity <= 0 {
		config.RingCapacity = defaults.RingCapacity
	}
	if config.PollFailureThreshold <= 0 {
		config.PollFailureThreshold = defaults.PollFailureThreshold
	}
	if config.UpdateBuffer <= 0 {
		config.UpdateBuffer = defaults.UpdateBuffer
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	mux := &Multiplexer{
		transport: transport,
		source:    source,
		config:    config,
		logger:    slog.Default(),
		mailbox:   make(chan func(), 64),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		status:    make(chan Status, 8),
		devices:   make(map[string]*deviceState),
		releasing: make(map[string]struct{}),
	}
	for _, option := range options {
		option(mux)
	}

	go mux.loop()
	return mux
}

// Run drives the transport until ctx is done or the multiplexer is closed.
func (mux *Multiplexer) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-mux.stopped:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return mux.transport.Run(runCtx, mux)
}

// Close stops every poller, closes all watcher channels and waits for the
// loop to exit. Watches remain safe to Unwatch afterwards.
func (mux *Multiplexer) Close() {
	mux.cancel()
	<-mux.stopped
}

// Watch registers interest in a device. The first watcher of a device
// subscribes on the wire when connected and starts polling otherwise.
func (mux *Multiplexer) Watch(deviceID string) (*Watch, error) {
	watch := &Watch{
		token:    uuid.NewString(),
		deviceID: deviceID,
		mux:      mux,
		updates:  make(chan Update, mux.config.UpdateBuffer),
	}
	if !mux.do(func() { mux.addWatcher(watch) }) {
		return nil, ErrClosed
	}
	return watch, nil
}

func (mux *Multiplexer) Status() Status {
	var status Status
	if !mux.do(func() { status = mux.currentStatus() }) {
		return Status{LastError: ErrClosed}
	}
	return status
}

// StatusUpdates delivers the status after every connectivity or staleness
// change. Slow readers only miss intermediate states.
func (mux *Multiplexer) StatusUpdates() <-chan Status {
	return mux.status
}

// WatcherCount is the number of local watchers of a device.
func (mux *Multiplexer) WatcherCount(deviceID string) int {
	count := 0
	mux.do(func() {
		if state, ok := mux.devices[deviceID]; ok {
			count = len(state.watchers)
		}
	})
	return count
}

func (mux *Multiplexer) OnConnect() {
	mux.do(mux.handleConnect)
}

func (mux *Multiplexer) OnDisconnect(err error) {
	mux.do(func() { mux.handleDisconnect(err) })
}

func (mux *Multiplexer) OnMessage(message telemetry.Message) {
	mux.do(func() { mux.handleMessage(message) })
}

func (mux *Multiplexer) loop() {
	defer close(mux.stopped)

	for {
		select {
		case <-mux.ctx.Done():
			mux.shutdown()
			return
		case fn := <-mux.mailbox:
			fn()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (mux *Multiplexer) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case mux.mailbox <- func() { fn(); close(done) }:
	case <-mux.stopped:
		return false
	}

	select {
	case <-done:
		return true
	case <-mux.stopped:
		return false
	}
}

// post queues fn without waiting. It gives up when ctx ends.
func (mux *Multiplexer) post(ctx context.Context, fn func()) {
	select {
	case mux.mailbox <- fn:
	case <-ctx.Done():
	}
}

func (mux *Multiplexer) shutdown() {
	for deviceID, state := range mux.devices {
		mux.stopPolling(state)
		for token, watch := range state.watchers {
			delete(state.watchers, token)
			close(watch.updates)
		}
		delete(mux.devices, deviceID)
	}
}

func (mux *Multiplexer) addWatcher(watch *Watch) {
	state, ok := mux.devices[watch.deviceID]
	if ok {
		state.watchers[watch.token] = watch
		if state.rejected == nil {
			return
		}
		// A rejection may have been transient or the device may have
		// reported since; a fresh watcher retries while connected.
		if mux.connected && !state.subscribed {
			mux.subscribe(watch.deviceID, state)
			return
		}
		watch.deliver(Update{DeviceID: watch.deviceID, Err: state.rejected})
		return
	}

	state = &deviceState{
		watchers: map[string]*Watch{watch.token: watch},
		ring:     telemetry.NewRing(mux.config.RingCapacity),
	}
	mux.devices[watch.deviceID] = state
	delete(mux.releasing, watch.deviceID)

	mux.seed(watch.deviceID, state)
	if mux.connected {
		mux.subscribe(watch.deviceID, state)
		return
	}
	mux.startPolling(watch.deviceID, state)
}

func (mux *Multiplexer) removeWatcher(watch *Watch) {
	state, ok := mux.devices[watch.deviceID]
	if !ok {
		return
	}
	if _, ok := state.watchers[watch.token]; !ok {
		return
	}
	delete(state.watchers, watch.token)
	close(watch.updates)

	if len(state.watchers) > 0 {
		return
	}

	// The acknowledgement may still be in flight; release regardless.
	if state.subscribed && mux.connected {
		mux.send(telemetry.UnsubscribeMessage(watch.deviceID))
		mux.releasing[watch.deviceID] = struct{}{}
	}
	wasStale := state.stale
	mux.stopPolling(state)
	delete(mux.devices, watch.deviceID)
	if wasStale {
		mux.publishStatus()
	}
}

func (mux *Multiplexer) subscribe(deviceID string, state *deviceState) {
	state.confirmed = false
	if err := mux.send(telemetry.SubscribeMessage(deviceID)); err != nil {
		state.subscribed = false
		mux.startPolling(deviceID, state)
		return
	}
	state.subscribed = true
}

func (mux *Multiplexer) send(message telemetry.Message) error {
	ctx, cancel := context.WithTimeout(mux.ctx, mux.config.RequestTimeout)
	defer cancel()

	if err := mux.transport.Send(ctx, message); err != nil {
		mux.logger.Warn("send failed", "event", message.Event, "device", message.DeviceID, "err", err)
		return err
	}
	return nil
}

func (mux *Multiplexer) handleConnect() {
	mux.connected = true
	mux.lastErr = nil
	clear(mux.releasing)

	deviceIDs := make([]string, 0, len(mux.devices))
	for deviceID := range mux.devices {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Strings(deviceIDs)

	for _, deviceID := range deviceIDs {
		state := mux.devices[deviceID]
		mux.stopPolling(state)
		state.rejected = nil
		mux.subscribe(deviceID, state)
	}

	mux.logger.Info("channel connected", "devices", len(deviceIDs))
	mux.publishStatus()
}

func (mux *Multiplexer) handleDisconnect(err error) {
	if err == nil {
		err = telemetry.ErrNotConnected
	}
	wasConnected := mux.connected
	mux.connected = false
	mux.lastErr = err
	clear(mux.releasing)

	for deviceID, state := range mux.devices {
		state.subscribed = false
		state.confirmed = false
		mux.startPolling(deviceID, state)
	}

	if wasConnected {
		mux.logger.Warn("channel disconnected, polling", "devices", len(mux.devices), "err", err)
	}
	mux.publishStatus()
}

func (mux *Multiplexer) handleMessage(message telemetry.Message) {
	switch message.Event {
	case telemetry.EventSensorUpdate:
		if message.Reading != nil {
			mux.handlePush(*message.Reading)
		}
	case telemetry.EventSubscriptionConfirmed:
		state, ok := mux.devices[message.DeviceID]
		if !ok {
			// The server resumed a subscription nobody here wants any more.
			if _, releasing := mux.releasing[message.DeviceID]; !releasing && mux.connected {
				if mux.send(telemetry.UnsubscribeMessage(message.DeviceID)) == nil {
					mux.releasing[message.DeviceID] = struct{}{}
				}
			}
			return
		}
		state.subscribed = true
		state.confirmed = true
		state.rejected = nil
	case telemetry.EventUnsubscriptionConfirmed:
		delete(mux.releasing, message.DeviceID)
	case telemetry.EventSubscriptionError:
		state, ok := mux.devices[message.DeviceID]
		if !ok {
			return
		}
		err := telemetry.SubscriptionErrorFromWire(message.DeviceID, message.Error)
		state.subscribed = false
		state.confirmed = false
		state.rejected = err
		mux.logger.Warn("subscription rejected", "device", message.DeviceID, "err", err)
		mux.notify(state, Update{DeviceID: message.DeviceID, Err: err})
	default:
		mux.logger.Debug("ignoring channel event", "event", message.Event)
	}
}

func (mux *Multiplexer) handlePush(reading telemetry.Reading) {
	state, ok := mux.devices[reading.DeviceID]
	if !ok {
		return
	}
	if !state.ring.Insert(reading) {
		return
	}
	mux.notify(state, Update{DeviceID: reading.DeviceID, Reading: &reading, Live: true})
}

// mergePolled accepts a polled reading only when it does not regress the
// device's latest reading.
func (mux *Multiplexer) mergePolled(deviceID string, state *deviceState, reading telemetry.Reading, found bool, err error) {
	if mux.devices[deviceID] != state {
		return
	}

	if err != nil {
		state.failures++
		mux.logger.Warn("poll failed", "device", deviceID, "failures", state.failures, "err", err)
		if state.failures >= mux.config.PollFailureThreshold && !state.stale {
			state.stale = true
			mux.notify(state, Update{DeviceID: deviceID, Stale: true, Err: err})
			mux.publishStatus()
		}
		return
	}

	state.failures = 0
	if state.stale {
		state.stale = false
		mux.publishStatus()
	}
	if !found {
		return
	}

	if latest, ok := state.ring.Latest(); ok && reading.ReadingTime < latest.ReadingTime {
		return
	}
	if !state.ring.Insert(reading) {
		return
	}
	mux.notify(state, Update{DeviceID: deviceID, Reading: &reading})
}

func (mux *Multiplexer) mergeSeed(deviceID string, state *deviceState, readings []telemetry.Reading) {
	if mux.devices[deviceID] != state {
		return
	}

	before, hadLatest := state.ring.Latest()
	for _, reading := range readings {
		if reading.DeviceID == deviceID {
			state.ring.Insert(reading)
		}
	}

	latest, ok := state.ring.Latest()
	if ok && (!hadLatest || latest.Identity() != before.Identity()) {
		mux.notify(state, Update{DeviceID: deviceID, Reading: &latest})
	}
}

func (mux *Multiplexer) seed(deviceID string, state *deviceState) {
	if mux.source == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(mux.ctx, mux.config.RequestTimeout)
		defer cancel()

		readings, err := mux.source.History(ctx, deviceID, mux.config.RingCapacity)
		if err != nil {
			mux.logger.Debug("history seed failed", "device", deviceID, "err", err)
			return
		}
		mux.post(mux.ctx, func() { mux.mergeSeed(deviceID, state, readings) })
	}()
}

func (mux *Multiplexer) startPolling(deviceID string, state *deviceState) {
	if mux.source == nil || state.poller != nil {
		return
	}

	ctx, cancel := context.WithCancel(mux.ctx)
	current := &poller{cancel: cancel, done: make(chan struct{})}
	state.poller = current
	go mux.poll(ctx, deviceID, state, current.done)
}

// stopPolling returns only after the poller goroutine has exited, so no poll
// for the device starts afterwards.
func (mux *Multiplexer) stopPolling(state *deviceState) {
	if state.poller == nil {
		return
	}
	state.poller.cancel()
	<-state.poller.done
	state.poller = nil
	state.failures = 0
	state.stale = false
}

func (mux *Multiplexer) poll(ctx context.Context, deviceID string, state *deviceState, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(mux.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		requestCtx, cancel := context.WithTimeout(ctx, mux.config.RequestTimeout)
		reading, found, err := mux.source.Latest(requestCtx, deviceID)
		cancel()
		if ctx.Err() != nil {
			return
		}
		mux.post(ctx, func() { mux.mergePolled(deviceID, state, reading, found, err) })

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (mux *Multiplexer) notify(state *deviceState, update Update) {
	for _, watch := range state.watchers {
		watch.deliver(update)
	}
}

func (mux *Multiplexer) currentStatus() Status {
	status := Status{Connected: mux.connected, LastError: mux.lastErr}
	for deviceID, state := range mux.devices {
		if state.stale {
			status.Stale = append(status.Stale, deviceID)
		}
	}
	sort.Strings(status.Stale)
	return status
}

func (mux *Multiplexer) publishStatus() {
	status := mux.currentStatus()
	for {
		select {
		case mux.status <- status:
			return
		default:
		}
		select {
		case <-mux.status:
		default:
		}
	}
}

func (mux *Multiplexer) snapshot(deviceID string) (telemetry.Reading, bool, []telemetry.Reading) {
	state, ok := mux.devices[deviceID]
	if !ok {
		return telemetry.Reading{}, false, nil
	}
	latest, found := state.ring.Latest()
	return latest, found, state.ring.Snapshot()
}

// Watch is one local watcher of a device. All watchers of a device share the
// same ring.
type Watch struct {
	token    string
	deviceID string
	mux      *Multiplexer
	updates  chan Update
	once     sync.Once
}

func (watch *Watch) Token() string {
	return watch.token
}

func (watch *Watch) DeviceID() string {
	return watch.deviceID
}

// Updates is closed by Unwatch.
func (watch *Watch) Updates() <-chan Update {
	return watch.updates
}

func (watch *Watch) Latest() (telemetry.Reading, bool) {
	var (
		latest telemetry.Reading
		found  bool
	)
	watch.mux.do(func() { latest, found, _ = watch.mux.snapshot(watch.deviceID) })
	return latest, found
}

// History is the device's ring, oldest first.
func (watch *Watch) History() []telemetry.Reading {
	var history []telemetry.Reading
	watch.mux.do(func() { _, _, history = watch.mux.snapshot(watch.deviceID) })
	return history
}

// Unwatch is idempotent and works while disconnected or after Close.
func (watch *Watch) Unwatch() {
	watch.once.Do(func() {
		watch.mux.do(func() { watch.mux.removeWatcher(watch) })
	})
}

// deliver drops the oldest pending update when the watcher is not keeping up.
// Only the loop goroutine calls it.
func (watch *Watch) deliver(update Update) {
	for {
		select {
		case watch.updates <- update:
			return
		default:
		}
		select {
		case <-watch.updates:
		default:
		}
	}
}
