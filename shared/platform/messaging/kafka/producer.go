package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/tracing"
)

// Message is one record to produce. Messages sharing a key land on the same
// partition and keep their relative order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Event is the JSON envelope written as the message value.
type Event struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Source   string            `json:"source"`
	Subject  string            `json:"subject"`
	Time     time.Time         `json:"time"`
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Producer sends messages synchronously and waits for broker acks.
type Producer struct {
	producer sarama.SyncProducer
	clientID string
	logger   logging.Logger
	metrics  metrics.Metrics
}

// NewSaramaConfig builds an idempotent, ack-all producer config.
func NewSaramaConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Version = sarama.V2_8_0_0
	if cfg.ProducerTimeout > 0 {
		sc.Net.DialTimeout = cfg.ProducerTimeout
		sc.Net.ReadTimeout = cfg.ProducerTimeout
		sc.Net.WriteTimeout = cfg.ProducerTimeout
		sc.Producer.Timeout = cfg.ProducerTimeout
	}
	if cfg.ProducerRetries > 0 {
		sc.Producer.Retry.Max = cfg.ProducerRetries
	}
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch cfg.RequiredAcks {
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}
	// Idempotence needs acks=all and a single in-flight request.
	if sc.Producer.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	switch cfg.Compression {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionSnappy
	}
	return sc
}

func NewProducer(cfg config.KafkaConfig, logger logging.Logger, m metrics.Metrics) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, errors.NewUnavailable("failed to create Kafka producer").WithCause(err)
	}

	logger.Info(context.Background(), "Kafka producer created", map[string]interface{}{
		"brokers":   cfg.Brokers,
		"client_id": cfg.ClientID,
		"acks":      cfg.RequiredAcks,
	})
	return NewProducerWithSyncProducer(sp, cfg.ClientID, logger, m), nil
}

// NewProducerWithSyncProducer wraps an existing producer such as sarama/mocks.
func NewProducerWithSyncProducer(sp sarama.SyncProducer, clientID string, logger logging.Logger, m metrics.Metrics) *Producer {
	return &Producer{producer: sp, clientID: clientID, logger: logger, metrics: m}
}

// SendMessages produces the batch and returns once every message is acked.
// Any failed message fails the whole call.
func (p *Producer) SendMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.NewUnavailable("kafka send cancelled").WithCause(err)
	}

	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	now := time.Now()
	for _, m := range msgs {
		batch = append(batch, &sarama.ProducerMessage{
			Topic:     m.Topic,
			Key:       sarama.StringEncoder(m.Key),
			Value:     sarama.ByteEncoder(m.Value),
			Headers:   p.buildHeaders(ctx, m.Headers),
			Timestamp: now,
		})
	}

	if err := p.producer.SendMessages(batch); err != nil {
		failed := len(batch)
		var perrs sarama.ProducerErrors
		if stderrors.As(err, &perrs) {
			failed = len(perrs)
		}
		p.metrics.AddCounter("kafka_producer_errors_total", int64(failed), map[string]string{"topic": batch[0].Topic})
		p.logger.Error(ctx, "Failed to send Kafka messages", err, map[string]interface{}{
			"topic":  batch[0].Topic,
			"count":  len(batch),
			"failed": failed,
		})
		return errors.NewExternal("failed to send Kafka messages").WithCode("PublishFailed").WithCause(err)
	}

	for _, m := range batch {
		p.metrics.IncrementCounter("kafka_producer_messages_total", map[string]string{"topic": m.Topic})
	}
	p.logger.Debug(ctx, "Kafka messages sent", map[string]interface{}{
		"topic": batch[0].Topic,
		"count": len(batch),
	})
	return nil
}

func (p *Producer) buildHeaders(ctx context.Context, extra map[string]string) []sarama.RecordHeader {
	carrier := headerCarrier{
		"producer-id": p.clientID,
		"message-id":  uuid.NewString(),
	}
	for k, v := range extra {
		carrier[k] = v
	}
	tracing.InjectTraceContext(ctx, carrier)

	headers := make([]sarama.RecordHeader, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return errors.Wrap(err, "failed to close Kafka producer")
	}
	return nil
}

// HealthCheck dials the brokers and fetches metadata.
func HealthCheck(cfg config.KafkaConfig) error {
	client, err := sarama.NewClient(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return errors.NewUnavailable("kafka brokers unreachable").WithCause(err)
	}
	defer client.Close()
	if len(client.Brokers()) == 0 {
		return errors.NewUnavailable("kafka cluster has no brokers")
	}
	return nil
}

// headerCarrier adapts a header map to the OTel text map carrier.
type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string { return c[key] }
func (c headerCarrier) Set(key, value string) { c[key] = value }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
