package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"farmstation/backend/internal/logger"
	"farmstation/backend/internal/telemetry"
)

type publisher interface {
	Publish(ctx context.Context, reading telemetry.Reading) error
	Close()
}

type device struct {
	id          string
	temperature float64
	humidity    float64
	sequence    int
}

func main() {
	var targetURL string
	var apiKey string
	var mqttBroker string
	var mqttTopic string
	var deviceList string
	var interval time.Duration
	var jitter time.Duration
	var timeout time.Duration
	var count int
	var seed int64
	var debug bool

	flag.StringVar(&targetURL, "url", "http://localhost:8080/api/ingest", "ingest endpoint URL")
	flag.StringVar(&apiKey, "api-key", "dev-ingest-key", "ingest API key")
	flag.StringVar(&mqttBroker, "mqtt", "", "publish over MQTT to this broker instead of HTTP (e.g. tcp://localhost:1883)")
	flag.StringVar(&mqttTopic, "mqtt-topic", "devices/%s/readings", "MQTT topic pattern, %s is the device id")
	flag.StringVar(&deviceList, "devices", "greenhouse-1,greenhouse-2", "comma separated device ids")
	flag.DurationVar(&interval, "interval", 2*time.Second, "base delay between rounds of readings")
	flag.DurationVar(&jitter, "jitter", 500*time.Millisecond, "max random delay added to each interval")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	flag.IntVar(&count, "count", 0, "number of rounds to emit (0 = infinite)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = use current time)")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	log := logger.Setup(debug)

	if interval <= 0 || jitter < 0 || timeout <= 0 || count < 0 {
		log.Error("interval and timeout must be > 0, jitter and count >= 0")
		os.Exit(2)
	}

	devices := parseDevices(deviceList)
	if len(devices) == 0 {
		log.Error("at least one device id is required")
		os.Exit(2)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var out publisher
	if mqttBroker != "" {
		mqttPublisher, err := newMQTTPublisher(mqttBroker, mqttTopic, timeout)
		if err != nil {
			log.Error("connect mqtt", "err", err)
			os.Exit(1)
		}
		out = mqttPublisher
		log.Info("simulator started", "seed", seed, "mqtt", mqttBroker, "devices", len(devices))
	} else {
		if apiKey == "" {
			log.Error("api-key is required")
			os.Exit(2)
		}
		out = &httpPublisher{client: &http.Client{Timeout: timeout}, targetURL: targetURL, apiKey: apiKey}
		log.Info("simulator started", "seed", seed, "target", targetURL, "devices", len(devices))
	}
	defer out.Close()

	rounds := 0
	for {
		if count > 0 && rounds >= count {
			log.Info("simulation complete", "rounds", rounds)
			return
		}

		for _, sim := range devices {
			reading := sim.next(rng, time.Now())
			if err := out.Publish(ctx, reading); err != nil {
				log.Warn("send failed", "device", sim.id, "err", err)
				continue
			}
			log.Debug(
				"sent reading",
				"device", reading.DeviceID,
				"id", reading.ID,
				"temperature", reading.Temperature,
				"humidity", reading.Humidity,
			)
		}
		rounds++

		delay := interval
		if jitter > 0 {
			delay += time.Duration(rng.Int63n(int64(jitter) + 1))
		}

		select {
		case <-ctx.Done():
			log.Info("simulation stopped", "rounds", rounds)
			return
		case <-time.After(delay):
		}
	}
}

func parseDevices(raw string) []*device {
	var devices []*device
	for index, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		devices = append(devices, &device{
			id:          id,
			temperature: 19.0 + float64(index),
			humidity:    55.0,
		})
	}
	return devices
}

func (sim *device) next(rng *rand.Rand, now time.Time) telemetry.Reading {
	sim.temperature = clamp(sim.temperature+rng.NormFloat64()*0.15, 4.0, 38.0)
	sim.humidity = clamp(sim.humidity+rng.NormFloat64()*0.7, 20.0, 95.0)

	// Irrigation cycles push humidity up for a short while.
	if rng.Float64() < 0.03 {
		sim.humidity = clamp(sim.humidity+rng.Float64()*12.0+4.0, 20.0, 95.0)
	}

	sim.sequence++
	return telemetry.Reading{
		ID:          fmt.Sprintf("%s-%d-%d", sim.id, now.Unix(), sim.sequence),
		DeviceID:    sim.id,
		Temperature: round1(sim.temperature),
		Humidity:    round1(sim.humidity),
		ReadingTime: now.UnixMilli(),
	}
}

type httpPublisher struct {
	client    *http.Client
	targetURL string
	apiKey    string
}

func (out *httpPublisher) Publish(ctx context.Context, reading telemetry.Reading) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, out.targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-API-Key", out.apiKey)

	response, err := out.client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("status %d: %s", response.StatusCode, string(responseBody))
	}

	return nil
}

func (out *httpPublisher) Close() {}

type mqttPublisher struct {
	client       mqtt.Client
	topicPattern string
	timeout      time.Duration
}

func newMQTTPublisher(brokerURL string, topicPattern string, timeout time.Duration) (*mqttPublisher, error) {
	options := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("farmstation-sim-%d", time.Now().UnixNano())).
		SetAutoReconnect(true)

	client := mqtt.NewClient(options)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	return &mqttPublisher{client: client, topicPattern: topicPattern, timeout: timeout}, nil
}

func (out *mqttPublisher) Publish(_ context.Context, reading telemetry.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	topic := out.topicPattern
	if strings.Contains(topic, "%s") {
		topic = fmt.Sprintf(topic, reading.DeviceID)
	}

	token := out.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(out.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (out *mqttPublisher) Close() {
	out.client.Disconnect(250)
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}

var _ publisher = (*httpPublisher)(nil)
var _ publisher = (*mqttPublisher)(nil)
