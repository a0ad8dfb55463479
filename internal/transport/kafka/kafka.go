// Package kafka carries engine traffic over Kafka: inbound change envelopes, calculated
// results for the downstream pipeline, and linked updates for entities owned by other nodes.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

const defaultPollTimeout = 5 * time.Second

// Config holds broker addresses and topic names.
type Config struct {
	Brokers      []string
	GroupID      string
	InboundTopic string
	ResultsTopic string
	LinkedTopic  string
	PollTimeout  time.Duration
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return fmt.Errorf("consumer group must not be empty")
	}
	for name, topic := range map[string]string{
		"inbound": c.InboundTopic,
		"results": c.ResultsTopic,
		"linked":  c.LinkedTopic,
	} {
		if strings.TrimSpace(topic) == "" {
			return fmt.Errorf("%s topic must not be empty", name)
		}
	}
	return nil
}

// messageReader is the part of *kafkago.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// messageWriter is the part of *kafkago.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewReader opens a consumer group reader on topic.
func NewReader(cfg Config, topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       topic,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
}

// NewWriter builds a synchronous writer on topic. Messages are hashed by key so all
// results of one entity land on one partition in order.
func NewWriter(cfg Config, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        false,
	}
}
