package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/calcengine/internal/actor"
	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/ingestion"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const defaultWriteTimeout = 10 * time.Second

// ResultMessage is the value written to the results topic.
type ResultMessage struct {
	TenantID string      `json:"tenant_id"`
	Entity   entity.ID   `json:"entity"`
	FieldIDs []string    `json:"field_ids"`
	Result   calc.Result `json:"result"`
	Time     time.Time   `json:"time"`
}

// ResultSink publishes calculated results keyed by target entity.
type ResultSink struct {
	writer  messageWriter
	timeout time.Duration
	now     func() time.Time
}

func NewResultSink(writer messageWriter) *ResultSink {
	return &ResultSink{writer: writer, timeout: defaultWriteTimeout, now: time.Now}
}

func (s *ResultSink) Push(ctx context.Context, tenantID uuid.UUID, target entity.ID, res calc.Result, causes []uuid.UUID, cb quorum.Callback) {
	fieldIDs := make([]string, len(causes))
	for i, id := range causes {
		fieldIDs[i] = id.String()
	}
	value, err := json.Marshal(ResultMessage{
		TenantID: tenantID.String(),
		Entity:   target,
		FieldIDs: fieldIDs,
		Result:   res,
		Time:     s.now().UTC(),
	})
	if err != nil {
		cb.OnFailure(fmt.Errorf("encode result for %s: %w", target, err))
		return
	}
	cb = withLog(cb, "[ResultSink] Publish failed", "tenant_id", tenantID, "entity", target.String())
	write(ctx, s.writer, s.timeout, kafkago.Message{Key: []byte(target.String()), Value: value}, cb)
}

func (s *ResultSink) Close() error {
	return s.writer.Close()
}

// Forwarder publishes linked updates for entities owned by another node. The owning
// node consumes the linked topic with its own Consumer.
type Forwarder struct {
	writer  messageWriter
	timeout time.Duration
}

var _ actor.Forwarder = (*Forwarder)(nil)

func NewForwarder(writer messageWriter) *Forwarder {
	return &Forwarder{writer: writer, timeout: defaultWriteTimeout}
}

func (f *Forwarder) Forward(ctx context.Context, tenantID uuid.UUID, ev actor.LinkedTelemetryEvent, cb quorum.Callback) {
	value, err := json.Marshal(ingestion.NewLinkedEnvelope(tenantID, ev))
	if err != nil {
		cb.OnFailure(fmt.Errorf("encode linked update for %s: %w", ev.Target, err))
		return
	}
	cb = withLog(cb, "[Forwarder] Forward failed", "tenant_id", tenantID, "target", ev.Target.String())
	write(ctx, f.writer, f.timeout, kafkago.Message{Key: []byte(ev.Target.String()), Value: value}, cb)
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}

func write(ctx context.Context, w messageWriter, timeout time.Duration, msg kafkago.Message, cb quorum.Callback) {
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := w.WriteMessages(writeCtx, msg); err != nil {
		cb.OnFailure(fmt.Errorf("write message: %w", err))
		return
	}
	cb.OnSuccess()
}

func withLog(cb quorum.Callback, msg string, attrs ...any) quorum.Callback {
	return quorum.Funcs(cb.OnSuccess, func(err error) {
		slog.Error(msg, append(attrs, "error", err)...)
		cb.OnFailure(err)
	})
}
