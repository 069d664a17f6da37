package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/andon/internal/event"
)

// DefaultClientID identifies the server to the broker.
const DefaultClientID = "andon-server"

// backlogSize bounds how many messages are held while the broker is away.
const backlogSize = 1000

const publishTimeout = 5 * time.Second

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Logger      *slog.Logger
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are held and replayed, in order, on reconnect.
type RealPublisher struct {
	client paho.Client
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	backlog *backlog
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &RealPublisher{
		prefix:  opts.TopicPrefix,
		logger:  logger,
		backlog: newBacklog(backlogSize, logger),
	}

	will, _ := json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	}})

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(SystemTopic(opts.TopicPrefix), string(will), 1, false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", opts.Broker, "err", err)
		}).
		SetOnConnectHandler(func(c paho.Client) {
			p.replay(c)
		})

	p.client = paho.NewClient(co)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// Publish sends a persisted record to the broker at QoS 0.
func (p *RealPublisher) Publish(item event.Item) error {
	payload, err := FormatPayload(item)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(pending{topic: EventTopic(p.prefix, item.Device), payload: payload})
}

// PublishSystem sends a system lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(pending{topic: SystemTopic(p.prefix), payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(m pending) error {
	if !p.client.IsConnectionOpen() {
		p.hold(m)
		// The connection may have come up, and replayed, since the check.
		if p.client.IsConnectionOpen() {
			p.replay(p.client)
		}
		return nil
	}

	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		p.hold(m)
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

func (p *RealPublisher) hold(m pending) {
	p.mu.Lock()
	p.backlog.add(m)
	p.mu.Unlock()
}

// replay runs on every (re)connect.
func (p *RealPublisher) replay(c paho.Client) {
	p.mu.Lock()
	msgs := p.backlog.drain()
	p.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	p.logger.Info("mqtt replaying held messages", "count", len(msgs))
	for _, m := range msgs {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.logger.Warn("mqtt replay failed", "topic", m.topic, "err", token.Error())
		}
	}
}

// Held returns the number of messages waiting for a connection.
func (p *RealPublisher) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.len()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
