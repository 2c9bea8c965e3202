// Package rabbitmqtest provides an in-memory stand-in for a RabbitMQ broker.
// It implements rabbitmq.Connection and rabbitmq.Channel closely enough to
// drive an endpoint through connect, declare, consume and reconnect.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/amqp-endpoint/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publication is a message published through a fake channel.
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Binding records a QueueBind call.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Exchange records an ExchangeDeclare call.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// Queue records a QueueDeclare call.
type Queue struct {
	Name    string
	Durable bool
}

// Broker is a fake broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu sync.Mutex

	dialErrs     []error
	declareErr   error
	consumeErr   error
	publishErr   error
	dials        int
	connections  []*Connection
	exchanges    []Exchange
	queues       []Queue
	bindings     []Binding
	publications []Publication
	acks         []uint64

	consumers chan *Channel
	published chan Publication
}

// NewBroker creates an empty fake broker.
func NewBroker() *Broker {
	return &Broker{
		consumers: make(chan *Channel, 64),
		published: make(chan Publication, 256),
	}
}

// Dial satisfies rabbitmq.DialFunc.
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	conn := &Connection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

// FailDials makes the next len(errs) dials fail with the given errors.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// SetDeclareError makes every QueueDeclare fail with err (nil to clear).
func (b *Broker) SetDeclareError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// SetConsumeError makes every Consume fail with err (nil to clear).
func (b *Broker) SetConsumeError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumeErr = err
}

// SetPublishError makes every publish fail with err (nil to clear).
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns every connection opened so far.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// Exchanges returns every exchange declaration.
func (b *Broker) Exchanges() []Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Exchange(nil), b.exchanges...)
}

// Queues returns every queue declaration.
func (b *Broker) Queues() []Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Queue(nil), b.queues...)
}

// Bindings returns every queue binding.
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

// Publications returns every published message.
func (b *Broker) Publications() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.publications...)
}

// Acks returns the delivery tags acknowledged so far, in order.
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

// NextConsumer waits for the next channel that starts consuming.
func (b *Broker) NextConsumer(t testing.TB) *Channel {
	t.Helper()
	select {
	case ch := <-b.consumers:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatalf("rabbitmqtest: no consumer registered within 2s")
		return nil
	}
}

// NextPublication waits for the next published message.
func (b *Broker) NextPublication(t testing.TB) Publication {
	t.Helper()
	select {
	case p := <-b.published:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("rabbitmqtest: nothing published within 2s")
		return Publication{}
	}
}

// WaitForAcks waits until at least n deliveries have been acknowledged.
func (b *Broker) WaitForAcks(t testing.TB, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Acks()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("rabbitmqtest: expected %d acks, got %d", n, len(b.Acks()))
}

// Connection is a fake rabbitmq.Connection.
type Connection struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	receivers []chan *amqp.Error
	channels  []*Channel
}

// Channel opens a fake channel.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a receiver for the close reason.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.receivers = append(c.receivers, receiver)
	return receiver
}

// IsClosed reports whether the connection was closed or dropped.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully: receivers are closed without a reason.
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Drop simulates the broker closing the connection with reason.
func (c *Connection) Drop(reason *amqp.Error) {
	_ = c.shutdown(reason)
}

func (c *Connection) shutdown(reason *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	receivers := c.receivers
	channels := c.channels
	c.receivers = nil
	c.mu.Unlock()

	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
		close(r)
	}
	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

// Channel is a fake rabbitmq.Channel. It also acknowledges its own deliveries.
type Channel struct {
	conn *Connection

	mu          sync.Mutex
	closed      bool
	deliveries  chan amqp.Delivery
	consumerTag string
	queue       string
	nextTag     uint64
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

// ExchangeDeclare records the declaration.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.open(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = append(b.exchanges, Exchange{Name: name, Kind: kind, Durable: durable})
	return nil
}

// QueueDeclare records the declaration.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.open(); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return amqp.Queue{}, b.declareErr
	}
	b.queues = append(b.queues, Queue{Name: name, Durable: durable})
	return amqp.Queue{Name: name}, nil
}

// QueueBind records the binding.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.open(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

// Consume starts a delivery stream fed by Deliver.
func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	consumeErr := b.consumeErr
	b.mu.Unlock()
	if consumeErr != nil {
		return nil, consumeErr
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	ch.deliveries = make(chan amqp.Delivery, 64)
	ch.consumerTag = consumer
	ch.queue = queue
	deliveries := ch.deliveries
	ch.mu.Unlock()

	b.consumers <- ch
	return deliveries, nil
}

// Cancel ends the delivery stream for consumer.
func (ch *Channel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.consumerTag != consumer || ch.deliveries == nil {
		return errors.New("rabbitmqtest: unknown consumer " + consumer)
	}
	close(ch.deliveries)
	ch.deliveries = nil
	return nil
}

// PublishWithContext records the publication.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ch.open(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	p := Publication{Exchange: exchange, RoutingKey: key, Msg: msg}
	b.publications = append(b.publications, p)
	b.mu.Unlock()

	select {
	case b.published <- p:
	default:
	}
	return nil
}

// Close closes the channel and its delivery stream.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil
	}
	ch.closed = true
	if ch.deliveries != nil {
		close(ch.deliveries)
		ch.deliveries = nil
	}
	return nil
}

// ConsumerTag returns the tag passed to Consume.
func (ch *Channel) ConsumerTag() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consumerTag
}

// Queue returns the queue passed to Consume.
func (ch *Channel) Queue() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.queue
}

// Deliver pushes a message into the consume stream and returns its delivery tag.
func (ch *Channel) Deliver(t testing.TB, body []byte) uint64 {
	t.Helper()
	return ch.DeliverWith(t, amqp.Delivery{Body: body})
}

// DeliverWith pushes d, filling in the delivery tag and acknowledger.
func (ch *Channel) DeliverWith(t testing.TB, d amqp.Delivery) uint64 {
	t.Helper()
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.deliveries == nil {
		t.Fatalf("rabbitmqtest: channel is not consuming")
		return 0
	}
	ch.nextTag++
	d.DeliveryTag = ch.nextTag
	d.ConsumerTag = ch.consumerTag
	d.Acknowledger = ch
	ch.deliveries <- d
	return d.DeliveryTag
}

// EndStream simulates a broker-side basic.cancel: the stream closes while
// the connection stays up.
func (ch *Channel) EndStream() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.deliveries != nil {
		close(ch.deliveries)
		ch.deliveries = nil
	}
}

// Ack records the delivery tag.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.open(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, tag)
	return nil
}

// Nack is never expected from an endpoint.
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return errors.New("rabbitmqtest: unexpected nack")
}

// Reject is never expected from an endpoint.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return errors.New("rabbitmqtest: unexpected reject")
}

func (ch *Channel) open() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}
