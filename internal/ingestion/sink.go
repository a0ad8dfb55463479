package ingestion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

// TelemetrySink stores calculated results as telemetry of the target entity. It is
// used when no downstream pipeline is configured. Stored results do not trigger
// further calculations.
type TelemetrySink struct {
	writer storage.TelemetryWriter
	now    func() time.Time
}

var _ calc.Sink = (*TelemetrySink)(nil)

func NewTelemetrySink(writer storage.TelemetryWriter) *TelemetrySink {
	return &TelemetrySink{writer: writer, now: time.Now}
}

func (s *TelemetrySink) Push(ctx context.Context, tenantID uuid.UUID, target entity.ID, res calc.Result, _ []uuid.UUID, cb quorum.Callback) {
	entries, err := ResultEntries(res, s.now().UnixMilli())
	if err != nil {
		cb.OnFailure(fmt.Errorf("store result for %s: %w", target, err))
		return
	}

	if res.Type == field.OutputAttributes {
		err = s.writer.SaveAttributes(ctx, tenantID, target, res.Scope, entries)
	} else {
		err = s.writer.SaveSeries(ctx, tenantID, target, entries)
	}
	if err != nil {
		cb.OnFailure(fmt.Errorf("store result for %s: %w", target, err))
		return
	}
	cb.OnSuccess()
}

// ResultEntries flattens a result payload into key/value entries. Payloads are either
// a values map, a {"ts", "values"} record, or an array of those; records without a ts
// are stamped with now.
func ResultEntries(res calc.Result, now int64) ([]kv.Entry, error) {
	var out []kv.Entry
	var walk func(p any) error
	walk = func(p any) error {
		switch v := p.(type) {
		case nil:
			return nil
		case []any:
			for _, el := range v {
				if err := walk(el); err != nil {
					return err
				}
			}
			return nil
		case map[string]any:
			ts := now
			values := v
			if inner, ok := v["values"].(map[string]any); ok {
				values = inner
				if raw, ok := v["ts"]; ok {
					n, ok := kv.Numeric(raw)
					if !ok {
						return fmt.Errorf("result ts %v is not numeric", raw)
					}
					ts = int64(n)
				}
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, kv.Entry{Key: k, Ts: ts, Value: kv.Normalize(values[k])})
			}
			return nil
		default:
			return fmt.Errorf("unsupported result payload %T", p)
		}
	}
	if err := walk(res.Payload); err != nil {
		return nil, err
	}
	return out, nil
}
