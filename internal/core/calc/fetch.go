package calc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

// Fetcher builds cold states from the telemetry store and the entity directory.
type Fetcher struct {
	Telemetry storage.TelemetryStore
	Directory storage.Directory
	Now       func() time.Time
}

// NewFetcher creates a fetcher over the given stores.
func NewFetcher(telemetry storage.TelemetryStore, directory storage.Directory) *Fetcher {
	return &Fetcher{Telemetry: telemetry, Directory: directory, Now: time.Now}
}

func (f *Fetcher) nowMillis() int64 {
	if f.Now == nil {
		return time.Now().UnixMilli()
	}
	return f.Now().UnixMilli()
}

// FetchState loads every argument of c for target. Missing keys leave their slot empty.
func (f *Fetcher) FetchState(ctx context.Context, c *Context, tenantID uuid.UUID, target entity.ID) (*state.State, error) {
	st := c.NewState()
	if c.Field.Type == field.Aggregation {
		sources, err := f.Directory.FindRelated(ctx, tenantID, target, c.Field.Relation.Direction, c.Field.Relation.RelationType)
		if err != nil {
			return nil, fmt.Errorf("find related entities of %s: %w", target, err)
		}
		for _, source := range sources {
			updates, err := f.FetchSource(ctx, c, tenantID, source)
			if err != nil {
				return nil, err
			}
			st.Update(updates)
		}
		return st, nil
	}

	var owner *entity.ID
	for name, arg := range c.Field.Arguments {
		source := target
		switch {
		case arg.DynamicSource == field.CurrentOwner:
			if owner == nil {
				id, err := f.Owner(ctx, tenantID, target)
				if err != nil {
					return nil, err
				}
				owner = &id
			}
			if owner.IsZero() {
				continue
			}
			source = *owner
		case arg.IsLinked():
			source = *arg.RefEntity
		}
		e, err := f.Argument(ctx, tenantID, source, arg, c.Field.RollingLimit(arg), f.nowMillis(), true)
		if err != nil {
			return nil, err
		}
		if e != nil {
			st.Update(map[string]state.Entry{name: e})
		}
	}
	return st, nil
}

// FetchSource loads the latest values of one related source of an aggregation field,
// keyed per source.
func (f *Fetcher) FetchSource(ctx context.Context, c *Context, tenantID uuid.UUID, source entity.ID) (map[string]state.Entry, error) {
	out := make(map[string]state.Entry, len(c.Field.Arguments))
	for name, arg := range c.Field.Arguments {
		e, err := f.Argument(ctx, tenantID, source, arg, 0, f.nowMillis(), true)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out[state.SourceKey(name, source)] = e
		}
	}
	return out, nil
}

// Owner resolves the current owner of id. A missing entity has no owner.
func (f *Fetcher) Owner(ctx context.Context, tenantID uuid.UUID, id entity.ID) (entity.ID, error) {
	info, err := f.Directory.FindInfo(ctx, tenantID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return entity.ID{}, nil
	}
	if err != nil {
		return entity.ID{}, fmt.Errorf("find owner of %s: %w", id, err)
	}
	return info.OwnerID, nil
}

// Argument loads one argument of source as of at. Live lookups read the latest table;
// historical ones read the newest series point at or before at.
// A nil entry means the key has no value.
func (f *Fetcher) Argument(ctx context.Context, tenantID uuid.UUID, source entity.ID, arg field.Argument, limit int, at int64, live bool) (state.Entry, error) {
	switch arg.Key.Type {
	case field.TsRolling:
		start := int64(0)
		if arg.TimeWindow > 0 {
			start = at - arg.TimeWindow.Milliseconds()
		}
		if limit <= 0 {
			limit = arg.EffectiveLimit()
		}
		points, err := f.Telemetry.FindSeries(ctx, tenantID, source, arg.Key.Name, start, at, limit, storage.Desc)
		if err != nil {
			return nil, fmt.Errorf("fetch rolling %q of %s: %w", arg.Key.Name, source, err)
		}
		r := state.NewRolling(limit, arg.TimeWindow)
		for i := len(points) - 1; i >= 0; i-- {
			if v, ok := kv.Numeric(points[i].Value); ok {
				r.Insert(points[i].Ts, v)
			}
		}
		return r, nil
	case field.TsLatest:
		var entries []kv.Entry
		var err error
		if live {
			entries, err = f.Telemetry.FindLatest(ctx, tenantID, source, []string{arg.Key.Name})
		} else {
			entries, err = f.Telemetry.FindSeries(ctx, tenantID, source, arg.Key.Name, 0, at, 1, storage.Desc)
		}
		if err != nil {
			return nil, fmt.Errorf("fetch latest %q of %s: %w", arg.Key.Name, source, err)
		}
		return single(entries), nil
	case field.Attribute:
		entries, err := f.Telemetry.FindAttributes(ctx, tenantID, source, arg.Key.Scope, []string{arg.Key.Name})
		if err != nil {
			return nil, fmt.Errorf("fetch attribute %q of %s: %w", arg.Key.Name, source, err)
		}
		return single(entries), nil
	}
	return nil, fmt.Errorf("unsupported argument type %q", arg.Key.Type)
}

func single(entries []kv.Entry) state.Entry {
	if len(entries) == 0 {
		return nil
	}
	e := entries[0]
	return &state.Single{Ts: e.Ts, Value: kv.Normalize(e.Value)}
}
