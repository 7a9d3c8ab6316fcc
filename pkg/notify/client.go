package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

// Client provides MQTT publishing for notification delivery and event
// broadcasting. With MQTT disabled every publish is a silent no-op so the
// decision pipeline runs unchanged without a broker.
type Client struct {
	mu          sync.Mutex
	client      MQTT.Client
	logger      *logx.Logger
	config      *config.MQTTConfig
	connected   bool
	lastPublish time.Time
}

// NewClient creates a new MQTT client.
func NewClient(cfg *config.MQTTConfig, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Connect establishes connection to the MQTT broker.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})

	return nil
}

// Disconnect disconnects from the MQTT broker.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", map[string]interface{}{
		"error": err.Error(),
	})
}

// IsConnected returns whether the MQTT client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// PublishEvent publishes a system event to the events topic. Used as the
// telemetry store's event callback.
func (c *Client) PublishEvent(event *pkg.Event) error {
	if !c.config.Enabled || !c.IsConnected() {
		return nil
	}

	topic := fmt.Sprintf("%s/events/%s", c.config.TopicPrefix, event.Type)
	return c.publishJSON(topic, event)
}

// publishJSON publishes a JSON payload to an MQTT topic.
func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Debug("MQTT message published", map[string]interface{}{
		"topic": topic,
		"size":  len(data),
	})

	return nil
}

// PublishJSON publishes an arbitrary JSON payload to an MQTT topic.
func (c *Client) PublishJSON(topic string, payload interface{}) error {
	if !c.config.Enabled || !c.IsConnected() {
		return nil
	}
	return c.publishJSON(topic, payload)
}

// Subscribe subscribes to an MQTT topic.
func (c *Client) Subscribe(topic string, handler MQTT.MessageHandler) error {
	if !c.config.Enabled {
		return nil
	}

	token := c.client.Subscribe(topic, byte(c.config.QoS), handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription created", map[string]interface{}{
		"topic": topic,
	})
	return nil
}

// GetLastPublish returns the timestamp of the last successful publish.
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
