package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// NodeID is attached to every message as a header.
	NodeID string
	// FailureThreshold is the number of consecutive failed publishes that
	// opens the breaker. Zero means 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	// Zero means 30s.
	OpenTimeout time.Duration
}

// KafkaSink publishes each record as one Kafka message keyed by origin, so
// one origin's events stay ordered within a partition.
//
// Publishing goes through a circuit breaker: while the cluster is down,
// blocks are produced without waiting on write timeouts and their records
// are dropped from this sink (the journal still has them).
type KafkaSink struct {
	w       MessageWriter
	topic   string
	nodeID  string
	breaker *gobreaker.CircuitBreaker
}

// NewKafkaSink returns a sink writing to cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: false,
	}
	return NewKafkaSinkWithWriter(w, cfg)
}

// NewKafkaSinkWithWriter returns a sink writing through w. The writer must
// already be bound to cfg.Topic.
func NewKafkaSinkWithWriter(w MessageWriter, cfg KafkaConfig) *KafkaSink {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-events",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("events: breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &KafkaSink{w: w, topic: cfg.Topic, nodeID: cfg.NodeID, breaker: cb}
}

// State returns the breaker state.
func (k *KafkaSink) State() gobreaker.State { return k.breaker.State() }

// Publish implements Sink. It returns gobreaker.ErrOpenState while the
// breaker is open.
func (k *KafkaSink) Publish(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for i := range records {
		r := &records[i]
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("events: encode record %s: %w", r.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatUint(uint64(r.Origin), 10)),
			Value: val,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(r.Kind)},
				{Key: "block", Value: []byte(strconv.FormatUint(uint64(r.Block), 10))},
				{Key: "node", Value: []byte(k.nodeID)},
			},
		})
	}
	_, err := k.breaker.Execute(func() (interface{}, error) {
		return nil, k.w.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		return fmt.Errorf("events: kafka publish to %s: %w", k.topic, err)
	}
	return nil
}

// Close implements Sink.
func (k *KafkaSink) Close() error { return k.w.Close() }
