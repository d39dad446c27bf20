package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const DefaultMQTTTopic = "devices/+/readings"

type MQTTConfig struct {
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
}

// MQTTSource subscribes to device topics and feeds every message through the
// gateway. The device id is the topic segment matched by the wildcard.
type MQTTSource struct {
	gateway *Gateway
	config  MQTTConfig
	client  mqtt.Client
	logger  *slog.Logger
}

func NewMQTTSource(gateway *Gateway, config MQTTConfig) *MQTTSource {
	if config.Topic == "" {
		config.Topic = DefaultMQTTTopic
	}
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("farmstation-ingest-%d", time.Now().UnixNano())
	}

	return &MQTTSource{
		gateway: gateway,
		config:  config,
		logger:  gateway.logger.With("source", "mqtt"),
	}
}

// Run connects, subscribes and blocks until ctx is done.
func (source *MQTTSource) Run(ctx context.Context) error {
	options := source.clientOptions()

	options.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(source.config.Topic, source.config.QoS, func(_ mqtt.Client, message mqtt.Message) {
			source.handle(ctx, message.Topic(), message.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			source.logger.Error("mqtt subscribe failed", "topic", source.config.Topic, "err", err)
			return
		}
		source.logger.Info("mqtt subscribed", "topic", source.config.Topic)
	})
	options.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		source.logger.Warn("mqtt connection lost", "err", err)
	})

	source.client = mqtt.NewClient(options)
	token := source.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		source.logger.Warn("mqtt connect still pending, retrying in background", "broker", source.config.BrokerURL)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}

	<-ctx.Done()
	source.client.Disconnect(250)
	return nil
}

// clientOptions keeps paho's ordered delivery: handlers run one at a time so
// readings from a device reach the gateway in arrival order.
func (source *MQTTSource) clientOptions() *mqtt.ClientOptions {
	options := mqtt.NewClientOptions().
		AddBroker(source.config.BrokerURL).
		SetClientID(source.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true)
	if source.config.Username != "" {
		options.SetUsername(source.config.Username)
		options.SetPassword(source.config.Password)
	}
	return options
}

func (source *MQTTSource) handle(ctx context.Context, topic string, payload []byte) {
	deviceID := deviceFromTopic(source.config.Topic, topic)
	if _, err := source.gateway.IngestRaw(ctx, payload, deviceID); err != nil {
		source.logger.Warn("mqtt reading dropped", "topic", topic, "err", err)
	}
}

// deviceFromTopic returns the topic level matched by the first "+" wildcard
// in pattern, or "" when the topic does not line up with the pattern.
func deviceFromTopic(pattern string, topic string) string {
	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")

	for index, level := range patternLevels {
		if level == "#" {
			return ""
		}
		if index >= len(topicLevels) {
			return ""
		}
		if level == "+" {
			return topicLevels[index]
		}
		if level != topicLevels[index] {
			return ""
		}
	}
	return ""
}
