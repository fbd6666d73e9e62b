package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"vigil/internal/events"
)

const (
	queueSize      = 64
	publishTimeout = 2 * time.Second
)

// Options configures the broker connection
type Options struct {
	Broker   string // host:port or a full tcp:// URL
	ClientID string
	Topic    string // events go to <Topic>/<event type>
}

// Payload is the JSON body of every published message
type Payload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// client is the part of mqtt.Client the publisher uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Stats contains publisher statistics
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Publisher forwards bus events to an MQTT broker. Bus handlers run on the
// capture path, so events are queued and published from a worker goroutine.
type Publisher struct {
	client client
	topic  string
	logger *slog.Logger

	queue chan events.Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// Connect dials the broker and returns a running publisher. The paho client
// reconnects on its own after the first successful connection.
func Connect(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker is not set")
	}
	broker := opts.Broker
	if !hasScheme(broker) {
		broker = "tcp://" + broker
	}
	if opts.ClientID == "" {
		opts.ClientID = "vigil-" + uuid.NewString()[:8]
	}

	logger := slog.With("component", "MQTT")
	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", opts.ClientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	c := mqtt.NewClient(co)
	logger.Info("connecting to mqtt broker", "broker", broker)

	token := c.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return NewPublisher(c, opts.Topic), nil
}

// NewPublisher starts a publisher on an already connected client
func NewPublisher(c client, topic string) *Publisher {
	if topic == "" {
		topic = "vigil/events"
	}
	p := &Publisher{
		client: c,
		topic:  topic,
		logger: slog.With("component", "MQTT"),
		queue:  make(chan events.Event, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Attach subscribes the publisher to bus and returns the unsubscribe function
func (p *Publisher) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.HandlerFunc(p.OnEvent))
}

// OnEvent queues ev for publishing; a full queue drops it
func (p *Publisher) OnEvent(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.stats.Dropped++
	}
}

// Close drains the queue and disconnects
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.client.Disconnect(250)
	p.logger.Info("mqtt disconnected")
	return nil
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.publish(ev); err != nil {
			p.mu.Lock()
			p.stats.Errors++
			p.mu.Unlock()
			p.logger.Warn("failed to publish event", "type", ev.Type, "error", err)
			continue
		}
		p.mu.Lock()
		p.stats.Published++
		p.mu.Unlock()
	}
}

func (p *Publisher) publish(ev events.Event) error {
	payload, err := json.Marshal(Payload{
		ID:        uuid.NewString(),
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := p.topic + "/" + string(ev.Type)
	qos := qosFor(ev.Type)
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	p.logger.Debug("event published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// qosFor delivers finished clips at least once; everything else is best effort
func qosFor(t events.Type) byte {
	if t == events.TypeRecordingFinished {
		return 1
	}
	return 0
}

func hasScheme(broker string) bool {
	return strings.Contains(broker, "://")
}
