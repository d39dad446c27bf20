package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedReading marks readings rejected at the ingest boundary.
	ErrMalformedReading = errors.New("malformed reading")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrNotConnected     = errors.New("channel not connected")
	ErrQueueOverflow    = errors.New("outbound queue overflow")
	ErrSessionClosed    = errors.New("session closed")
)

// SubscriptionError is a rejected subscribe for a single device. It never
// affects other devices on the same connection.
type SubscriptionError struct {
	DeviceID string
	Err      error
}

func (err *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe device %s: %v", err.DeviceID, err.Err)
}

func (err *SubscriptionError) Unwrap() error {
	return err.Err
}

// SubscriptionErrorFromWire rebuilds the error carried by a subscriptionError
// message, restoring ErrUnknownDevice when the reason matches it.
func SubscriptionErrorFromWire(deviceID string, reason string) *SubscriptionError {
	if reason == ErrUnknownDevice.Error() {
		return &SubscriptionError{DeviceID: deviceID, Err: ErrUnknownDevice}
	}
	if reason == "" {
		reason = "subscription rejected"
	}
	return &SubscriptionError{DeviceID: deviceID, Err: errors.New(reason)}
}
