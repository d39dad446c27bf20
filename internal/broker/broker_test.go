package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"farmstation/backend/internal/telemetry"
)

type recordingSender struct {
	messages chan telemetry.Message
}

func newRecordingSender() *recordingSender {
	return &recordingSender{messages: make(chan telemetry.Message, 256)}
}

func (sender *recordingSender) Send(ctx context.Context, message telemetry.Message) error {
	select {
	case sender.messages <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sender *recordingSender) next(t *testing.T) telemetry.Message {
	t.Helper()
	select {
	case message := <-sender.messages:
		return message
	case <-time.After(time.Second):
		t.Fatal("expected a delivered message")
		return telemetry.Message{}
	}
}

func (sender *recordingSender) nextEvent(t *testing.T, event string) telemetry.Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case message := <-sender.messages:
			if message.Event == event {
				return message
			}
		case <-deadline:
			t.Fatalf("expected %s message", event)
			return telemetry.Message{}
		}
	}
}

type blockingSender struct {
	release chan struct{}
}

func (sender *blockingSender) Send(ctx context.Context, _ telemetry.Message) error {
	select {
	case <-sender.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type failingSender struct{}

func (failingSender) Send(context.Context, telemetry.Message) error {
	return errors.New("broken pipe")
}

type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]bool
	lookups int
}

func (directory *fakeDirectory) KnownDevice(_ context.Context, deviceID string) (bool, error) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	directory.lookups++
	return directory.devices[deviceID], nil
}

func openSession(t *testing.T, broker *Broker, clientID string, sender Sender) *Session {
	t.Helper()
	session := broker.NewSession(clientID, sender)
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestSubscribeIsIdempotentAndAcknowledged(t *testing.T) {
	broker := New(DefaultConfig())
	sender := newRecordingSender()
	session := openSession(t, broker, "", sender)

	for i := 0; i < 2; i++ {
		if err := session.OnSubscribe(context.Background(), "greenhouse-1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if count := broker.SubscriberCount("greenhouse-1"); count != 1 {
		t.Fatalf("expected 1 subscriber, got %d", count)
	}

	for i := 0; i < 2; i++ {
		if message := sender.next(t); message.Event != telemetry.EventSubscriptionConfirmed {
			t.Fatalf("expected subscriptionConfirmed, got %s", message.Event)
		}
	}
}

func TestPublishRoutesOnlyToSubscribedSessions(t *testing.T) {
	broker := New(DefaultConfig())
	watching := newRecordingSender()
	other := newRecordingSender()

	watchingSession := openSession(t, broker, "", watching)
	otherSession := openSession(t, broker, "", other)

	_ = watchingSession.OnSubscribe(context.Background(), "greenhouse-1")
	_ = otherSession.OnSubscribe(context.Background(), "greenhouse-2")
	watching.nextEvent(t, telemetry.EventSubscriptionConfirmed)
	other.nextEvent(t, telemetry.EventSubscriptionConfirmed)

	delivered := broker.Publish(telemetry.Reading{DeviceID: "greenhouse-1", Temperature: 24.1, ReadingTime: 1000})
	if delivered != 1 {
		t.Fatalf("expected delivery to 1 session, got %d", delivered)
	}

	update := watching.nextEvent(t, telemetry.EventSensorUpdate)
	if update.Reading == nil || update.Reading.Temperature != 24.1 {
		t.Fatalf("expected reading payload, got %+v", update)
	}

	select {
	case message := <-other.messages:
		t.Fatalf("expected nothing for unsubscribed session, got %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishPreservesPerDeviceOrder(t *testing.T) {
	broker := New(DefaultConfig())
	sender := newRecordingSender()
	session := openSession(t, broker, "", sender)

	_ = session.OnSubscribe(context.Background(), "d-1")
	sender.nextEvent(t, telemetry.EventSubscriptionConfirmed)

	for index := 1; index <= 20; index++ {
		broker.Publish(telemetry.Reading{DeviceID: "d-1", ReadingTime: int64(index)})
	}

	for index := 1; index <= 20; index++ {
		message := sender.nextEvent(t, telemetry.EventSensorUpdate)
		if message.Reading.ReadingTime != int64(index) {
			t.Fatalf("expected readingTime %d, got %d", index, message.Reading.ReadingTime)
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	broker := New(DefaultConfig())
	sender := newRecordingSender()
	session := openSession(t, broker, "", sender)

	session.OnUnsubscribe("never-subscribed")
	if message := sender.next(t); message.Event != telemetry.EventUnsubscriptionConfirmed {
		t.Fatalf("expected unsubscriptionConfirmed, got %s", message.Event)
	}

	_ = session.OnSubscribe(context.Background(), "d-1")
	session.OnUnsubscribe("d-1")
	session.OnUnsubscribe("d-1")

	if count := broker.SubscriberCount("d-1"); count != 0 {
		t.Fatalf("expected no subscribers, got %d", count)
	}
}

func TestCloseRemovesSessionFromEveryDevice(t *testing.T) {
	broker := New(DefaultConfig())
	session := openSession(t, broker, "", newRecordingSender())

	_ = session.OnSubscribe(context.Background(), "a")
	_ = session.OnSubscribe(context.Background(), "b")

	session.OnClose()

	if broker.SubscriberCount("a") != 0 || broker.SubscriberCount("b") != 0 {
		t.Fatalf("expected no dangling subscribers")
	}
	if broker.SessionCount() != 0 {
		t.Fatalf("expected session to be unregistered, got %d", broker.SessionCount())
	}
	if session.State() != Closed {
		t.Fatalf("expected closed state, got %s", session.State())
	}
	if err := session.OnSubscribe(context.Background(), "a"); !errors.Is(err, telemetry.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("expected delivery goroutine to stop")
	}
}

func TestSlowSessionDoesNotDelayHealthySessions(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 128
	broker := New(config)

	slow := &blockingSender{release: make(chan struct{})}
	defer close(slow.release)
	healthy := newRecordingSender()

	slowSession := openSession(t, broker, "", slow)
	healthySession := openSession(t, broker, "", healthy)

	_ = slowSession.OnSubscribe(context.Background(), "d-1")
	_ = healthySession.OnSubscribe(context.Background(), "d-1")
	healthy.nextEvent(t, telemetry.EventSubscriptionConfirmed)

	const total = 100
	published := make(chan struct{})
	go func() {
		for index := 1; index <= total; index++ {
			broker.Publish(telemetry.Reading{DeviceID: "d-1", ReadingTime: int64(index)})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow session")
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < total {
		select {
		case message := <-healthy.messages:
			if message.Event == telemetry.EventSensorUpdate {
				received++
			}
		case <-deadline:
			t.Fatalf("healthy session received %d of %d readings", received, total)
		}
	}
}

func TestFailedDeliveryDropsSession(t *testing.T) {
	broker := New(DefaultConfig())
	session := openSession(t, broker, "", failingSender{})

	_ = session.OnSubscribe(context.Background(), "d-1")

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("expected failing session to be closed")
	}

	if count := broker.SubscriberCount("d-1"); count != 0 {
		t.Fatalf("expected failing session to be dropped, got %d subscribers", count)
	}
	if broker.Publish(telemetry.Reading{DeviceID: "d-1"}) != 0 {
		t.Fatalf("expected no delivery after drop")
	}
}

func TestUnknownDeviceIsRejected(t *testing.T) {
	directory := &fakeDirectory{devices: map[string]bool{"known": true}}
	broker := New(DefaultConfig(), WithDirectory(directory))
	sender := newRecordingSender()
	session := openSession(t, broker, "", sender)

	err := session.OnSubscribe(context.Background(), "ghost")
	if !errors.Is(err, telemetry.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	message := sender.next(t)
	if message.Event != telemetry.EventSubscriptionError || message.DeviceID != "ghost" {
		t.Fatalf("expected subscriptionError for ghost, got %+v", message)
	}
	if broker.SubscriberCount("ghost") != 0 {
		t.Fatalf("expected rejected device to have no subscribers")
	}

	if err := session.OnSubscribe(context.Background(), "known"); err != nil {
		t.Fatalf("expected known device to subscribe, got %v", err)
	}
	_ = session.OnSubscribe(context.Background(), "known")

	directory.mu.Lock()
	lookups := directory.lookups
	directory.mu.Unlock()
	if lookups != 2 {
		t.Fatalf("expected cached lookup for known device, got %d lookups", lookups)
	}
}

func TestReopenedClientResumesSubscriptions(t *testing.T) {
	broker := New(DefaultConfig())

	first := openSession(t, broker, "dashboard-7", newRecordingSender())
	_ = first.OnSubscribe(context.Background(), "a")
	_ = first.OnSubscribe(context.Background(), "b")
	first.Close()

	sender := newRecordingSender()
	second := openSession(t, broker, "dashboard-7", sender)

	if broker.SubscriberCount("a") != 1 || broker.SubscriberCount("b") != 1 {
		t.Fatalf("expected resumed subscriptions, got a=%d b=%d", broker.SubscriberCount("a"), broker.SubscriberCount("b"))
	}
	if len(second.WatchedDevices()) != 2 {
		t.Fatalf("expected 2 watched devices, got %v", second.WatchedDevices())
	}

	third := openSession(t, broker, "dashboard-7", newRecordingSender())
	if len(third.WatchedDevices()) != 0 {
		t.Fatalf("expected resume state to be consumed once, got %v", third.WatchedDevices())
	}
}

func TestOpenTwiceFails(t *testing.T) {
	broker := New(DefaultConfig())
	session := openSession(t, broker, "", newRecordingSender())

	if err := session.Open(context.Background()); err == nil {
		t.Fatalf("expected second open to fail")
	}
}

func TestSubscriptionConfirmedPrecedesConcurrentUpdates(t *testing.T) {
	broker := New(DefaultConfig())
	sender := newRecordingSender()
	session := openSession(t, broker, "", sender)

	stop := make(chan struct{})
	var publishing sync.WaitGroup
	publishing.Add(1)
	go func() {
		defer publishing.Done()
		for readingTime := int64(1); ; readingTime++ {
			select {
			case <-stop:
				return
			default:
				broker.Publish(telemetry.Reading{DeviceID: "d-1", ReadingTime: readingTime})
			}
		}
	}()

	if err := session.OnSubscribe(context.Background(), "d-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	first := sender.next(t)
	close(stop)
	publishing.Wait()

	if first.Event != telemetry.EventSubscriptionConfirmed {
		t.Fatalf("expected subscriptionConfirmed before any update, got %s", first.Event)
	}
}
