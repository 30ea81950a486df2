// Package bus wraps the RabbitMQ connection shared by both services. It owns
// a single logical connection, reconnects at a fixed interval, re-declares the
// topology after every (re)connect, and exposes a lifecycle signal so other
// components can react to outages.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Exchange and queue names shared by the two services.
const (
	NotificationsExchange = "notifications"
	ConfirmationsExchange = "confirmations"
	ConfirmationsQueue    = "confirmations"
)

// ErrNotConnected is returned by Publish while the bus is unreachable.
var ErrNotConnected = errors.New("bus: not connected")

// State is the connection lifecycle signal.
type State int

const (
	Down State = iota
	Up
)

// Outcome tells the wrapper how to settle a consumed message.
type Outcome struct {
	ack     bool
	requeue bool
}

// Ack settles the message as processed.
func Ack() Outcome { return Outcome{ack: true} }

// Reject drops the message, optionally requeueing it for redelivery.
func Reject(requeue bool) Outcome { return Outcome{requeue: requeue} }

// Delivery is a consumed message.
type Delivery struct {
	RoutingKey string
	Body       []byte
}

// Handler processes one delivery and decides its settlement.
type Handler func(d Delivery) Outcome

// ExchangeSpec declares a durable exchange.
type ExchangeSpec struct {
	Name string
	Kind string // "topic" or "fanout"
}

// Binding attaches a queue to an exchange under a routing key.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// QueueSpec declares a queue and its bindings. Exclusive auto-delete queues
// are used for per-instance subscriptions.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Bindings   []Binding
}

// Topology is the set of declarations re-applied after every reconnect.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
}

// Config holds the bus client settings.
type Config struct {
	URI               string
	ReconnectInterval time.Duration
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 10 * time.Second,
	}
}

type subscription struct {
	queue   string
	handler Handler
}

// Client is the reconnecting bus connection. Subscriptions must be registered
// before Start; lifecycle watchers may be added at any time.
type Client struct {
	config   Config
	topology Topology
	logger   *logrus.Entry

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	subs     []subscription
	watchers []chan State
	started  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a bus client for the given topology.
func NewClient(config Config, topology Topology, logger *logrus.Entry) *Client {
	return &Client{
		config:   config,
		topology: topology,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Subscribe registers a handler for a queue. Must be called before Start.
func (c *Client) Subscribe(queue string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{queue: queue, handler: handler})
}

// Lifecycle returns a channel receiving Up/Down transitions. The channel is
// buffered; a slow watcher only misses intermediate transitions, never the
// latest state delivered after it catches up.
func (c *Client) Lifecycle() <-chan State {
	ch := make(chan State, 4)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) signal(s State) {
	c.mu.Lock()
	watchers := make([]chan State, len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()
	for _, w := range watchers {
		select {
		case w <- s:
		default:
		}
	}
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

// Close stops the reconnect loop and tears down the connection.
func (c *Client) Close() {
	close(c.done)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		closed, err := c.connect()
		if err != nil {
			c.logger.WithError(err).Error("bus connect failed")
		} else {
			c.signal(Up)
			select {
			case amqpErr := <-closed:
				c.logger.WithField("cause", amqpErr).Warn("bus connection lost")
			case <-c.done:
				return
			}
			c.signal(Down)
		}

		select {
		case <-time.After(c.config.ReconnectInterval):
		case <-c.done:
			return
		}
	}
}

// connect dials, declares the topology, and starts consumers. It returns the
// connection's close notification channel.
func (c *Client) connect() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(c.config.URI)
	if err != nil {
		return nil, err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := declareTopology(pubCh, c.topology); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.pubCh = pubCh
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.consume(conn, sub); err != nil {
			conn.Close()
			return nil, err
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("bus connected")
	return closed, nil
}

func declareTopology(ch *amqp.Channel, topology Topology) error {
	for _, ex := range topology.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return err
		}
	}
	for _, q := range topology.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, nil); err != nil {
			return err
		}
		for _, b := range q.Bindings {
			if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// consume opens a dedicated channel for the subscription so handler
// settlement never interferes with publishing.
func (c *Client) consume(conn *amqp.Connection, sub subscription) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(sub.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range deliveries {
			outcome := sub.handler(Delivery{RoutingKey: d.RoutingKey, Body: d.Body})
			if outcome.ack {
				if err := d.Ack(false); err != nil {
					c.logger.WithError(err).Warn("bus ack failed")
				}
			} else {
				if err := d.Reject(outcome.requeue); err != nil {
					c.logger.WithError(err).Warn("bus reject failed")
				}
			}
		}
	}()
	return nil
}

// Publish sends a persistent message. Callers decide whether a failure is
// retried or tolerated.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	c.mu.Lock()
	ch := c.pubCh
	c.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}
