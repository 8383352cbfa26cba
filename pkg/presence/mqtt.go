package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/geotrack/geotrack/pkg/logx"
)

// MQTTConfig holds MQTT presence configuration
type MQTTConfig struct {
	Broker         string        `json:"broker"`
	Port           int           `json:"port"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	TopicPrefix    string        `json:"topic_prefix"`
	QoS            int           `json:"qos"`
	AgentID        string        `json:"agent_id"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// MQTTChannel keeps one retained message per agent under
// <prefix>/presence/<agent_id>. The broker's last will flips it to offline
// when the connection drops without a Leave.
type MQTTChannel struct {
	config    MQTTConfig
	logger    *logx.Logger
	handler   Handler
	newClient func(*MQTT.ClientOptions) MQTT.Client

	mu      sync.Mutex
	client  MQTT.Client
	tracked *Payload
}

// NewMQTTChannel creates a channel; nothing connects until Subscribe
func NewMQTTChannel(config MQTTConfig, logger *logx.Logger, handler Handler) *MQTTChannel {
	if config.Port == 0 {
		config.Port = 1883
	}
	if config.ClientID == "" {
		config.ClientID = "geotrack-" + config.AgentID
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &MQTTChannel{
		config:    config,
		logger:    logger,
		handler:   handler,
		newClient: MQTT.NewClient,
	}
}

func (c *MQTTChannel) topic(agentID string) string {
	return fmt.Sprintf("%s/presence/%s", c.config.TopicPrefix, agentID)
}

func (c *MQTTChannel) filter() string {
	return fmt.Sprintf("%s/presence/+", c.config.TopicPrefix)
}

func (c *MQTTChannel) options() *MQTT.ClientOptions {
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

	will, _ := json.Marshal(Payload{AgentID: c.config.AgentID, Status: "offline"})
	opts.SetWill(c.topic(c.config.AgentID), string(will), byte(c.config.QoS), true)

	opts.SetOnConnectHandler(func(MQTT.Client) {
		c.logger.Info("MQTT presence connection established", "broker", c.config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.logger.Warn("MQTT presence connection lost", "error", err)
	})
	return opts
}

// wait blocks on a paho token, bounded by ctx and the connect timeout
func (c *MQTTChannel) wait(ctx context.Context, token MQTT.Token) (Status, error) {
	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return StatusChannelError, err
		}
		return StatusSubscribed, nil
	case <-timer.C:
		return StatusTimedOut, fmt.Errorf("mqtt operation timed out after %s", c.config.ConnectTimeout)
	case <-ctx.Done():
		return StatusTimedOut, ctx.Err()
	}
}

// Subscribe implements Channel
func (c *MQTTChannel) Subscribe(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.client = c.newClient(c.options())
		if status, err := c.wait(ctx, c.client.Connect()); err != nil {
			c.client.Disconnect(0)
			c.client = nil
			return status, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	}

	status, err := c.wait(ctx, c.client.Subscribe(c.filter(), byte(c.config.QoS), c.onMessage))
	if err != nil {
		return status, fmt.Errorf("failed to subscribe to %s: %w", c.filter(), err)
	}

	c.logger.Info("MQTT presence subscribed", "topic", c.filter())
	return StatusSubscribed, nil
}

func (c *MQTTChannel) onMessage(_ MQTT.Client, msg MQTT.Message) {
	if len(msg.Payload()) == 0 {
		return
	}
	var p Payload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		c.logger.Debug("ignoring malformed presence message", "topic", msg.Topic(), "error", err)
		return
	}
	if p.AgentID == "" {
		p.AgentID = msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	}
	kind := kindFor(p)
	if msg.Retained() && kind == EventJoin {
		kind = EventSync
	}
	c.logger.Debug("presence event", "kind", kind, "agent_id", p.AgentID)
	if c.handler != nil {
		c.handler(Event{Kind: kind, Payload: p})
	}
}

// publishJSON publishes a retained JSON payload
func (c *MQTTChannel) publishJSON(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if c.client == nil {
		return fmt.Errorf("mqtt presence not subscribed")
	}
	if _, err := c.wait(ctx, c.client.Publish(topic, byte(c.config.QoS), true, data)); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Track implements Channel
func (c *MQTTChannel) Track(ctx context.Context, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.publishJSON(ctx, c.topic(p.AgentID), p); err != nil {
		return err
	}
	c.tracked = &p
	return nil
}

// Untrack implements Channel
func (c *MQTTChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked == nil {
		return nil
	}
	off := *c.tracked
	off.Status = "offline"
	if err := c.publishJSON(ctx, c.topic(off.AgentID), off); err != nil {
		return err
	}
	c.tracked = nil
	return nil
}

// Leave implements Channel
func (c *MQTTChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	var err error
	if _, werr := c.wait(ctx, c.client.Unsubscribe(c.filter())); werr != nil {
		err = fmt.Errorf("failed to unsubscribe from %s: %w", c.filter(), werr)
	}
	c.client.Disconnect(250)
	c.client = nil
	c.logger.Info("MQTT presence left")
	return err
}
