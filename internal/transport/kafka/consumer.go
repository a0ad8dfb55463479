package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	v1 "github.com/aevon-lab/calcengine/internal/api/v1"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/ingestion"
	"github.com/aevon-lab/calcengine/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	defaultProcessTimeout = 30 * time.Second
	maxFetchBackoff       = 5 * time.Second
)

// Consumer feeds envelopes from one topic into the engine. Every message is committed
// once processing finishes, whatever the outcome; failures are logged and counted.
type Consumer struct {
	reader  messageReader
	engine  ingestion.Engine
	metrics *metrics.Metrics
	poll    time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewConsumer wraps reader. timeout bounds the wait for the engine on each message.
func NewConsumer(reader messageReader, engine ingestion.Engine, m *metrics.Metrics, poll, timeout time.Duration) *Consumer {
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	return &Consumer{
		reader:  reader,
		engine:  engine,
		metrics: m,
		poll:    poll,
		timeout: timeout,
		now:     time.Now,
	}
}

// Run consumes until ctx is cancelled or the reader is closed.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("[KafkaConsumer] Started", "poll_timeout", c.poll, "process_timeout", c.timeout)
	defer slog.Info("[KafkaConsumer] Stopped")

	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafkago.ErrGroupClosed):
				return nil
			}
			slog.Error("[KafkaConsumer] Fetch failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = 100 * time.Millisecond

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("[KafkaConsumer] Commit failed", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) {
	env, err := decodeEnvelope(msg.Value)
	if err != nil {
		slog.Warn("[KafkaConsumer] Dropping undecodable message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		c.metrics.Inbound("kafka", "UNKNOWN", err)
		return
	}

	err = c.process(ctx, env)
	c.metrics.Inbound("kafka", string(env.Type), err)
	if err != nil {
		slog.Error("[KafkaConsumer] Envelope failed",
			"tenant_id", env.TenantID,
			"type", env.Type,
			"msg_id", env.ID,
			"offset", msg.Offset,
			"kind", enginerr.Kind(err),
			"details", enginerr.Details(err),
			"error", err)
		return
	}
	slog.Debug("[KafkaConsumer] Envelope processed", "tenant_id", env.TenantID, "type", env.Type, "offset", msg.Offset)
}

func (c *Consumer) process(ctx context.Context, env *v1.Envelope) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	f := quorum.NewFuture()
	if err := ingestion.Dispatch(c.engine, env, c.now(), f); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return f.Wait(waitCtx)
}

func decodeEnvelope(raw []byte) (*v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}
