package telemetry

import "errors"

// Wire events exchanged over the duplex channel.
const (
	EventSubscribeDevice         = "subscribeDevice"
	EventUnsubscribeDevice       = "unsubscribeDevice"
	EventSubscriptionConfirmed   = "subscriptionConfirmed"
	EventUnsubscriptionConfirmed = "unsubscriptionConfirmed"
	EventSubscriptionError       = "subscriptionError"
	EventSensorUpdate            = "sensorUpdate"
)

type Message struct {
	Event    string   `json:"event"`
	DeviceID string   `json:"deviceId,omitempty"`
	Reading  *Reading `json:"reading,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func SubscribeMessage(deviceID string) Message {
	return Message{Event: EventSubscribeDevice, DeviceID: deviceID}
}

func UnsubscribeMessage(deviceID string) Message {
	return Message{Event: EventUnsubscribeDevice, DeviceID: deviceID}
}

func SensorUpdateMessage(reading Reading) Message {
	return Message{Event: EventSensorUpdate, DeviceID: reading.DeviceID, Reading: &reading}
}

func SubscriptionErrorMessage(deviceID string, err error) Message {
	reason := err.Error()
	var subscriptionErr *SubscriptionError
	if errors.As(err, &subscriptionErr) {
		reason = subscriptionErr.Err.Error()
	}
	return Message{Event: EventSubscriptionError, DeviceID: deviceID, Error: reason}
}
