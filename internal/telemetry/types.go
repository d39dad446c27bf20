package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Reading is one immutable sample emitted by a device. ReadingTime is unix
// milliseconds.
type Reading struct {
	ID          string  `json:"id,omitempty"`
	DeviceID    string  `json:"deviceId"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	ReadingTime int64   `json:"readingTime"`
}

// Identity is (deviceId, id) when the reading carries an id, otherwise
// (deviceId, readingTime).
type Identity struct {
	DeviceID string
	Key      string
}

func (reading Reading) Identity() Identity {
	return Identity{DeviceID: reading.DeviceID, Key: reading.IdentityKey()}
}

// IdentityKey is the device-local part of the identity, used as the
// deduplication column by the stores.
func (reading Reading) IdentityKey() string {
	if reading.ID != "" {
		return "id:" + reading.ID
	}
	return "ts:" + strconv.FormatInt(reading.ReadingTime, 10)
}

func (reading Reading) Validate() error {
	if strings.TrimSpace(reading.DeviceID) == "" {
		return fmt.Errorf("%w: deviceId is required", ErrMalformedReading)
	}
	if math.IsNaN(reading.Temperature) || math.IsInf(reading.Temperature, 0) {
		return fmt.Errorf("%w: temperature must be finite", ErrMalformedReading)
	}
	if math.IsNaN(reading.Humidity) || math.IsInf(reading.Humidity, 0) {
		return fmt.Errorf("%w: humidity must be finite", ErrMalformedReading)
	}
	if reading.ReadingTime < 0 {
		return fmt.Errorf("%w: readingTime must not be negative", ErrMalformedReading)
	}
	return nil
}

var allowedReadingKeys = map[string]struct{}{
	"id":          {},
	"deviceId":    {},
	"temperature": {},
	"humidity":    {},
	"readingTime": {},
}

func DecodeReading(raw []byte) (Reading, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}

	return decodeReadingPayload(payload)
}

func DecodeReadingsBatch(raw []byte, maxBatchSize int) ([]Reading, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payloads []map[string]any
	if err := decoder.Decode(&payloads); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}

	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: batch must include at least one reading", ErrMalformedReading)
	}
	if len(payloads) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds max size of %d", ErrMalformedReading, maxBatchSize)
	}

	readings := make([]Reading, 0, len(payloads))
	for index, payload := range payloads {
		reading, err := decodeReadingPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid reading at index %d: %w", index, err)
		}
		readings = append(readings, reading)
	}

	return readings, nil
}

func decodeReadingPayload(payload map[string]any) (Reading, error) {
	if payload == nil {
		return Reading{}, fmt.Errorf("%w: reading must be an object", ErrMalformedReading)
	}
	for key := range payload {
		if _, allowed := allowedReadingKeys[key]; !allowed {
			return Reading{}, fmt.Errorf("%w: unknown field: %s", ErrMalformedReading, key)
		}
	}

	reading := Reading{}

	if rawID, ok := payload["id"]; ok && rawID != nil {
		id, err := parseIdentifier(rawID)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: invalid field id: %v", ErrMalformedReading, err)
		}
		reading.ID = id
	}

	if rawDeviceID, ok := payload["deviceId"]; ok && rawDeviceID != nil {
		deviceID, err := parseIdentifier(rawDeviceID)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: invalid field deviceId: %v", ErrMalformedReading, err)
		}
		reading.DeviceID = deviceID
	}

	var err error
	if reading.Temperature, err = parseFloatField(payload, "temperature"); err != nil {
		return Reading{}, err
	}
	if reading.Humidity, err = parseFloatField(payload, "humidity"); err != nil {
		return Reading{}, err
	}

	// readingTime is optional; the gateway stamps readings that arrive without one.
	if _, ok := payload["readingTime"]; ok {
		if reading.ReadingTime, err = parseInt64Field(payload, "readingTime"); err != nil {
			return Reading{}, err
		}
	}

	return reading, nil
}

func parseIdentifier(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed), nil
	case json.Number:
		return typed.String(), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(typed), nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	default:
		return "", fmt.Errorf("unsupported identifier type %T", value)
	}
}

func parseFloatField(payload map[string]any, key string) (float64, error) {
	value, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing field: %s", ErrMalformedReading, key)
	}

	parsed, err := parseFloat(value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid field %s: %v", ErrMalformedReading, key, err)
	}
	return parsed, nil
}

func parseInt64Field(payload map[string]any, key string) (int64, error) {
	value, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing field: %s", ErrMalformedReading, key)
	}

	parsed, err := parseInt64(value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid field %s: %v", ErrMalformedReading, key, err)
	}
	return parsed, nil
}

func parseFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", value)
	}
}

func parseInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		if intValue, err := typed.Int64(); err == nil {
			return intValue, nil
		}
		floatValue, err := typed.Float64()
		if err != nil {
			return 0, err
		}
		return int64(floatValue), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if intValue, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return intValue, nil
		}
		floatValue, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, err
		}
		return int64(floatValue), nil
	case float64:
		return int64(typed), nil
	case float32:
		return int64(typed), nil
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", value)
	}
}
