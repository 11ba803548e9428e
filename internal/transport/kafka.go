package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig carries broker connection settings.
type KafkaConfig struct {
	Brokers       []string      `json:"brokers" mapstructure:"brokers"`
	GroupIDPrefix string        `json:"group_id_prefix" mapstructure:"group_id_prefix"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	BatchTimeout  time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`
	RequiredAcks  int           `json:"required_acks" mapstructure:"required_acks"`
}

// DefaultKafkaConfig returns settings suitable for a local single-broker setup.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		GroupIDPrefix: "meshdex",
		WriteTimeout:  2 * time.Second,
		BatchTimeout:  10 * time.Millisecond,
		RequiredAcks:  1,
	}
}

// KafkaBus adapts kafka-go writers and readers to the Bus interface.
// One writer per topic, one reader goroutine per subscription. Rendezvous
// topic names contain slashes, which Kafka forbids, so they are mapped to
// dotted form on the wire.
type KafkaBus struct {
	cfg    KafkaConfig
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	writers map[string]*kafka.Writer
	cancels map[int]context.CancelFunc
	nextID  int
	wg      sync.WaitGroup
}

// NewKafkaBus builds a bus against the configured brokers. No connection
// is made until the first publish or subscribe.
func NewKafkaBus(cfg KafkaConfig, logger *zap.Logger) *KafkaBus {
	if len(cfg.Brokers) == 0 {
		cfg = DefaultKafkaConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaBus{
		cfg:     cfg,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
		cancels: make(map[int]context.CancelFunc),
	}
}

func kafkaTopicName(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func (b *KafkaBus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Topic:        kafkaTopicName(topic),
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: b.cfg.WriteTimeout,
		BatchTimeout: b.cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(b.cfg.RequiredAcks),
	}
	b.writers[topic] = w
	return w, nil
}

// Publish writes data to the Kafka topic derived from topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, data []byte) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic. Each subscription
// gets its own group so every subscriber sees every message, matching
// the broadcast semantics of the memory bus.
func (b *KafkaBus) Subscribe(topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	b.cancels[id] = cancel
	b.mu.Unlock()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       kafkaTopicName(topic),
		GroupID:     fmt.Sprintf("%s-%s-%d", b.cfg.GroupIDPrefix, kafkaTopicName(topic), id),
		MinBytes:    1,
		MaxBytes:    1 << 20,
		StartOffset: kafka.LastOffset,
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer reader.Close()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("kafka read failed",
					zap.String("topic", topic),
					zap.Error(err))
				continue
			}
			handler(ctx, topic, msg.Value)
		}
	}()

	unsub := func() {
		b.mu.Lock()
		if c, ok := b.cancels[id]; ok {
			c()
			delete(b.cancels, id)
		}
		b.mu.Unlock()
	}
	return unsub, nil
}

// Close cancels all readers and closes the writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
	writers := b.writers
	b.writers = make(map[string]*kafka.Writer)
	b.mu.Unlock()

	b.wg.Wait()
	var firstErr error
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kafka close writer %s: %w", topic, err)
		}
	}
	return firstErr
}
