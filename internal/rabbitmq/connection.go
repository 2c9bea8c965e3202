package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel an endpoint needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is an open session to the broker.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// DialFunc opens a new broker connection.
type DialFunc func(url string, cfg amqp.Config) (Connection, error)

// Dial opens a real AMQP 0-9-1 connection.
func Dial(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// ConnectionManager dials broker connections. It never reconnects on its
// own; the caller decides whether to dial again.
type ConnectionManager struct {
	url            string
	dial           DialFunc
	connectTimeout time.Duration
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown in the broker UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           Dial,
		connectTimeout: 30 * time.Second,
		heartbeat:      10 * time.Second,
		connectionName: "amqp-endpoint",
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// URL returns the sanitized connection URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Connect opens a new connection, bounded by ctx and the connect timeout.
func (cm *ConnectionManager) Connect(ctx context.Context) (Connection, error) {
	if _, err := amqp.ParseURI(cm.url); err != nil {
		return nil, &ConnectionError{
			Op:        "parse url",
			URL:       cm.URL(),
			Err:       fmt.Errorf("%w: %w", ErrInvalidConfiguration, err),
			Timestamp: time.Now(),
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resCh := make(chan result, 1)

	cfg := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName(cm.connectionName)

	go func() {
		conn, err := cm.dial(cm.url, cfg)
		resCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       cm.URL(),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}
		cm.logger.Info("connected to RabbitMQ", "url", cm.URL())
		return res.conn, nil

	case <-connCtx.Done():
		// A dial that completes after we gave up must not leak a connection.
		go func() {
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()

		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrConsumerCancelled, ctx.Err())
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       cm.URL(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}
