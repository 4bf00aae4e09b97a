// Package bus connects the coordinator to the MQTT broker carrying
// machine telemetry. Incoming state payloads are normalized into the
// state store and fanned out on the internal event bus.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/metrics"
	"github.com/visionline/visiond/internal/state"
)

const (
	reconnectDelay = 5 * time.Second
	maxAttempts    = 10
	connectTimeout = 10 * time.Second
)

// Status is the snapshot served by the control plane.
type Status struct {
	Connected        bool       `json:"connected"`
	Broker           string     `json:"broker"`
	SubscribedTopics []string   `json:"subscribed_topics"`
	MessagesReceived uint64     `json:"messages_received"`
	MessageErrors    uint64     `json:"message_errors"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

// Client owns the broker connection. Reconnects are driven manually so
// the retry policy stays in one place and resubscription is explicit.
type Client struct {
	cfg    *config.Config
	store  *state.Store
	bus    *events.Bus
	logger *slog.Logger

	topicToMachine map[string]string
	broker         string

	mu               sync.Mutex
	client           mqtt.Client
	connected        bool
	stopping         bool
	messagesReceived uint64
	messageErrors    uint64
	lastActivity     *time.Time
}

// NewClient builds a client for the broker and topic map in cfg.
func NewClient(cfg *config.Config, store *state.Store, bus *events.Bus) *Client {
	c := &Client{
		cfg:            cfg,
		store:          store,
		bus:            bus,
		logger:         slog.Default().With("component", "bus"),
		topicToMachine: make(map[string]string),
		broker:         fmt.Sprintf("tcp://%s:%d", cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort),
	}
	for machine, topic := range cfg.MQTT.Topics {
		c.topicToMachine[topic] = machine
		store.RegisterMachine(machine, topic)
	}
	return c
}

// Start connects to the broker, retrying per the reconnect policy. It
// returns an error only after all attempts are exhausted.
func (c *Client) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID("visiond-" + uuid.New().String()[:8]).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.cfg.MQTT.Username != "" {
		opts.SetUsername(c.cfg.MQTT.Username)
		opts.SetPassword(c.cfg.MQTT.Password)
	}

	c.mu.Lock()
	c.client = mqtt.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	return c.connectWithRetry(client)
}

func (c *Client) connectWithRetry(client mqtt.Client) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return nil
		}

		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			lastErr = err
			c.logger.Warn("Broker connection failed",
				"broker", c.broker, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			if attempt < maxAttempts {
				time.Sleep(reconnectDelay)
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to connect to broker %s after %d attempts: %w",
		c.broker, maxAttempts, lastErr)
}

// onConnect runs on every successful connection, including reconnects.
// Subscriptions do not survive a new session, so they are re-established
// here each time.
func (c *Client) onConnect(client mqtt.Client) {
	for topic := range c.topicToMachine {
		t := topic
		token := client.Subscribe(t, 1, func(_ mqtt.Client, msg mqtt.Message) {
			c.handleMessage(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("Subscription failed", "topic", t, "error", err)
		} else {
			c.logger.Info("Subscribed to topic", "topic", t)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.store.SetBusConnected(true)
	c.bus.Publish(events.BusConnected, "bus", map[string]any{"broker": c.broker})
	c.logger.Info("Connected to broker", "broker", c.broker)
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	stopping := c.stopping
	c.mu.Unlock()

	c.store.SetBusConnected(false)
	c.bus.Publish(events.BusDisconnected, "bus", map[string]any{"error": err.Error()})
	c.logger.Warn("Broker connection lost", "error", err)

	if stopping {
		return
	}
	go func() {
		if rerr := c.connectWithRetry(client); rerr != nil {
			c.logger.Error("Giving up on broker reconnection", "error", rerr)
		}
	}()
}

// handleMessage normalizes one telemetry payload into the state store
// and publishes a machine_state_changed event on actual transitions.
func (c *Client) handleMessage(topic string, payload []byte) {
	now := time.Now()
	c.mu.Lock()
	c.messagesReceived++
	c.lastActivity = &now
	machine, ok := c.topicToMachine[topic]
	if !ok {
		c.messageErrors++
	}
	c.mu.Unlock()

	c.store.UpdateBusActivity()
	metrics.BusMessages.Inc()
	if !ok {
		c.logger.Warn("Message on unmapped topic", "topic", topic)
		return
	}

	raw := string(payload)
	normalized, changed := c.store.UpdateMachine(machine, raw, topic)
	c.store.AddBusEvent(machine, topic, raw, normalized)

	if changed {
		metrics.MachineTransitions.WithLabelValues(machine, string(normalized)).Inc()
		c.logger.Info("Machine state changed",
			"machine", machine, "state", normalized, "topic", topic)
		c.bus.Publish(events.MachineStateChanged, "bus", map[string]any{
			"machine_name": machine,
			"state":        string(normalized),
			"topic":        topic,
			"payload":      raw,
		})
	}
}

// Publish sends an arbitrary payload, used by the control plane's
// publish endpoint for integration testing against live machines.
func (c *Client) Publish(topic, payload string) error {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if client == nil || !connected {
		return fmt.Errorf("not connected to broker")
	}
	token := client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

// Status reports connection health and message counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.topicToMachine))
	for topic := range c.topicToMachine {
		topics = append(topics, topic)
	}
	return Status{
		Connected:        c.connected,
		Broker:           c.broker,
		SubscribedTopics: topics,
		MessagesReceived: c.messagesReceived,
		MessageErrors:    c.messageErrors,
		LastActivity:     c.lastActivity,
	}
}

// Connected reports whether the broker session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stop disconnects from the broker and suppresses further reconnects.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopping = true
	client := c.client
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	c.store.SetBusConnected(false)
	c.logger.Info("Disconnected from broker")
}
