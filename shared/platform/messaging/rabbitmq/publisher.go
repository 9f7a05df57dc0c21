package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

const ExchangeType = "topic"

// Channel is the subset of *amqp.Channel the publisher drives.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
}

// Message is one routed publication.
type Message struct {
	RoutingKey  string
	MessageID   string
	Type        string
	Timestamp   time.Time
	ContentType string
	Body        []byte
	Headers     map[string]string
}

// Publisher publishes to a durable topic exchange with publisher confirms.
// Publishes are serialized so confirms can be matched to a batch.
type Publisher struct {
	mu             sync.Mutex
	conn           *amqp.Connection
	ch             Channel
	confirms       chan amqp.Confirmation
	exchange       string
	confirmTimeout time.Duration
	logger         logging.Logger
	metrics        metrics.Metrics
}

// Dial connects with retries, declares the exchange and enables confirm mode.
func Dial(ctx context.Context, cfg config.RabbitMQConfig, logger logging.Logger, m metrics.Metrics) (*Publisher, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= cfg.DialRetries; attempt++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		logger.Warn(ctx, "RabbitMQ dial failed", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, errors.NewUnavailable("rabbitmq dial cancelled").WithCause(ctx.Err())
		case <-time.After(cfg.DialBackoff):
		}
	}
	if conn == nil {
		return nil, errors.NewUnavailable("could not connect to RabbitMQ").WithCause(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.NewUnavailable("could not open channel").WithCause(err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, errors.NewUnavailable("could not declare exchange").WithCause(err)
	}

	p, err := NewPublisher(ch, cfg.Exchange, cfg.ConfirmTimeout, logger, m)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn

	logger.Info(ctx, "RabbitMQ publisher ready", map[string]interface{}{"exchange": cfg.Exchange})
	return p, nil
}

// NewPublisher puts ch into confirm mode. The exchange must already exist.
func NewPublisher(ch Channel, exchange string, confirmTimeout time.Duration, logger logging.Logger, m metrics.Metrics) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, errors.NewUnavailable("could not enable publisher confirms").WithCause(err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	return &Publisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		exchange:       exchange,
		confirmTimeout: confirmTimeout,
		logger:         logger,
		metrics:        m,
	}, nil
}

// Publish sends msgs as persistent messages and waits until the broker
// confirms every one. A nack or timeout fails the whole batch.
func (p *Publisher) Publish(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Late confirms from a batch that timed out must not count for this one.
	for drained := false; !drained; {
		select {
		case _, ok := <-p.confirms:
			drained = !ok
		default:
			drained = true
		}
	}

	for _, m := range msgs {
		headers := amqp.Table{}
		for k, v := range m.Headers {
			headers[k] = v
		}
		contentType := m.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		err := p.ch.PublishWithContext(ctx, p.exchange, m.RoutingKey, false, false, amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    m.MessageID,
			Type:         m.Type,
			Timestamp:    m.Timestamp,
			Headers:      headers,
			Body:         m.Body,
		})
		if err != nil {
			p.metrics.IncrementCounter("rabbitmq_publish_errors_total", map[string]string{"exchange": p.exchange})
			return errors.NewExternal("failed to publish to RabbitMQ").WithCode("PublishFailed").WithCause(err)
		}
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for pending := len(msgs); pending > 0; pending-- {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return errors.NewExternal("RabbitMQ channel closed before confirm").WithCode("PublishFailed")
			}
			if !c.Ack {
				p.metrics.IncrementCounter("rabbitmq_publish_errors_total", map[string]string{"exchange": p.exchange})
				return errors.NewExternal(fmt.Sprintf("RabbitMQ nacked delivery %d", c.DeliveryTag)).WithCode("PublishFailed")
			}
		case <-timer.C:
			return errors.NewExternal("timed out waiting for RabbitMQ confirms").WithCode("PublishFailed")
		case <-ctx.Done():
			return errors.NewUnavailable("rabbitmq publish cancelled").WithCause(ctx.Err())
		}
	}

	p.metrics.AddCounter("rabbitmq_published_total", int64(len(msgs)), map[string]string{"exchange": p.exchange})
	return nil
}

func (p *Publisher) HealthCheck(context.Context) error {
	if p.conn != nil && p.conn.IsClosed() {
		return errors.NewUnavailable("rabbitmq connection closed")
	}
	return nil
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
