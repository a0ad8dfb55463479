package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

type seriesKey struct {
	tenant uuid.UUID
	entity entity.ID
	key    string
}

type attributeKey struct {
	tenant uuid.UUID
	entity entity.ID
	scope  string
	key    string
}

// TelemetryStore is an in-memory time series and attribute store.
type TelemetryStore struct {
	mu         sync.RWMutex
	series     map[seriesKey][]kv.Entry // sorted by ts
	latest     map[seriesKey]kv.Entry
	attributes map[attributeKey]kv.Entry
}

// NewTelemetryStore creates an empty in-memory telemetry store.
func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{
		series:     make(map[seriesKey][]kv.Entry),
		latest:     make(map[seriesKey]kv.Entry),
		attributes: make(map[attributeKey]kv.Entry),
	}
}

func (s *TelemetryStore) SaveSeries(_ context.Context, tenantID uuid.UUID, id entity.ID, entries []kv.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.Value = kv.Normalize(e.Value)
		k := seriesKey{tenant: tenantID, entity: id, key: e.Key}
		points := s.series[k]
		i := sort.Search(len(points), func(i int) bool { return points[i].Ts >= e.Ts })
		if i < len(points) && points[i].Ts == e.Ts {
			points[i] = e
		} else {
			points = append(points, kv.Entry{})
			copy(points[i+1:], points[i:])
			points[i] = e
		}
		s.series[k] = points
		if cur, ok := s.latest[k]; !ok || e.Ts >= cur.Ts {
			s.latest[k] = e
		}
	}
	return nil
}

func (s *TelemetryStore) SaveAttributes(_ context.Context, tenantID uuid.UUID, id entity.ID, scope string, entries []kv.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.Value = kv.Normalize(e.Value)
		s.attributes[attributeKey{tenant: tenantID, entity: id, scope: scope, key: e.Key}] = e
	}
	return nil
}

func (s *TelemetryStore) DeleteLatest(_ context.Context, tenantID uuid.UUID, id entity.ID, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.latest, seriesKey{tenant: tenantID, entity: id, key: key})
	}
	return nil
}

func (s *TelemetryStore) DeleteAttributes(_ context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.attributes, attributeKey{tenant: tenantID, entity: id, scope: scope, key: key})
	}
	return nil
}

func (s *TelemetryStore) FindSeries(_ context.Context, tenantID uuid.UUID, id entity.ID, key string, startTs, endTs int64, limit int, order storage.Order) ([]kv.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.series[seriesKey{tenant: tenantID, entity: id, key: key}]
	var out []kv.Entry
	if order == storage.Desc {
		for i := len(points) - 1; i >= 0; i-- {
			if points[i].Ts < startTs || points[i].Ts > endTs {
				continue
			}
			out = append(out, points[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return out, nil
	}
	for _, p := range points {
		if p.Ts < startTs || p.Ts > endTs {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *TelemetryStore) FindLatest(_ context.Context, tenantID uuid.UUID, id entity.ID, keys []string) ([]kv.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kv.Entry
	for _, key := range keys {
		if e, ok := s.latest[seriesKey{tenant: tenantID, entity: id, key: key}]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *TelemetryStore) FindAttributes(_ context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) ([]kv.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kv.Entry
	for _, key := range keys {
		if scope != "" {
			if e, ok := s.attributes[attributeKey{tenant: tenantID, entity: id, scope: scope, key: key}]; ok {
				out = append(out, e)
			}
			continue
		}
		var best *kv.Entry
		for k, e := range s.attributes {
			if k.tenant == tenantID && k.entity == id && k.key == key && (best == nil || e.Ts > best.Ts) {
				e := e
				best = &e
			}
		}
		if best != nil {
			out = append(out, *best)
		}
	}
	return out, nil
}
