package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	coreagg "github.com/aevon-lab/calcengine/internal/core/aggregation"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

const (
	defaultRawLimit = 1000
	maxRawLimit     = 10000
	// maxRollupSamples bounds how many samples a bucketed query reads.
	maxRollupSamples = 100000
	// maxBuckets limits the number of windows one rollup may produce.
	maxBuckets = 10000
)

var (
	// ErrInvalidQuery marks request validation errors that should return HTTP 400.
	ErrInvalidQuery = errors.New("invalid query")

	bucketByGranularity = map[string]time.Duration{
		Granularity1m: time.Minute,
		Granularity1h: time.Hour,
		Granularity1d: 24 * time.Hour,
	}
)

// Service implements the read side over stored telemetry and calculation states.
// It lets operators check what calculated fields produced and what they hold.
type Service struct {
	telemetry storage.TelemetryStore
	states    storage.StateStore
}

// NewService creates a new projection service.
func NewService(telemetry storage.TelemetryStore, states storage.StateStore) *Service {
	return &Service{telemetry: telemetry, states: states}
}

// QuerySeries reads one time series key, either raw or rolled up into windows.
func (s *Service) QuerySeries(ctx context.Context, req SeriesQueryRequest) (*SeriesQueryResponse, error) {
	req, err := normalizeAndValidate(req)
	if err != nil {
		return nil, err
	}

	resp := &SeriesQueryResponse{
		TenantID:    req.TenantID,
		Entity:      req.Entity,
		Key:         req.Key,
		Granularity: req.Granularity,
		StartTs:     req.StartTs,
		EndTs:       req.EndTs,
	}

	if req.Granularity == GranularityRaw {
		samples, err := s.telemetry.FindSeries(ctx, req.TenantID, req.Entity, req.Key, req.StartTs, req.EndTs, req.Limit+1, storage.Order(req.Order))
		if err != nil {
			return nil, fmt.Errorf("query series: %w", err)
		}
		if len(samples) > req.Limit {
			samples = samples[:req.Limit]
			resp.Truncated = true
		}
		resp.Samples = samples
		return resp, nil
	}

	samples, err := s.telemetry.FindSeries(ctx, req.TenantID, req.Entity, req.Key, req.StartTs, req.EndTs, maxRollupSamples+1, storage.Asc)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	if len(samples) > maxRollupSamples {
		slog.Warn("[Projection] Rollup truncated",
			"tenant_id", req.TenantID,
			"entity", req.Entity,
			"key", req.Key,
			"max_samples", maxRollupSamples)
		samples = samples[:maxRollupSamples]
		resp.Truncated = true
	}

	start, end := time.UnixMilli(req.StartTs).UTC(), time.UnixMilli(req.EndTs).UTC()
	resp.Agg = req.Agg
	if req.Granularity == GranularityTotal {
		resp.Values = rollupTotal(samples, req.Agg, start, end)
	} else {
		resp.Values = rollupBuckets(samples, req.Agg, bucketByGranularity[req.Granularity], start, end)
	}
	return resp, nil
}

// QueryLatest returns the latest stored value of each requested key.
func (s *Service) QueryLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, keys []string) (*ValuesResponse, error) {
	if len(keys) == 0 {
		return nil, invalidQueryf("at least one key is required")
	}
	values, err := s.telemetry.FindLatest(ctx, tenantID, id, keys)
	if err != nil {
		return nil, fmt.Errorf("query latest values: %w", err)
	}
	return &ValuesResponse{Entity: id, Values: nonNil(values)}, nil
}

// QueryAttributes returns the requested attributes of one scope. An empty scope picks the
// newest value of each key across scopes.
func (s *Service) QueryAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) (*ValuesResponse, error) {
	if len(keys) == 0 {
		return nil, invalidQueryf("at least one key is required")
	}
	values, err := s.telemetry.FindAttributes(ctx, tenantID, id, scope, keys)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	return &ValuesResponse{Entity: id, Scope: scope, Values: nonNil(values)}, nil
}

// EntityStates lists every persisted calculation state of an entity, ordered by field id.
func (s *Service) EntityStates(ctx context.Context, tenantID uuid.UUID, id entity.ID) (*StatesResponse, error) {
	views := []StateView{}
	err := s.states.List(ctx, tenantID, func(key storage.StateKey, st *state.State) error {
		if key.Entity != id {
			return nil
		}
		views = append(views, newStateView(key.FieldID, st))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list calculation states: %w", err)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].FieldID.String() < views[j].FieldID.String() })
	return &StatesResponse{Entity: id, States: views}, nil
}

func newStateView(fieldID uuid.UUID, st *state.State) StateView {
	view := StateView{
		FieldID:      fieldID,
		Ready:        st.Ready(),
		WithinLimit:  st.WithinLimit,
		SizeBytes:    st.SizeBytes,
		LastUpdateTs: st.LastUpdateTs,
		Required:     st.Required,
		Arguments:    make(map[string]ArgumentView, len(st.Arguments)),
	}
	for name, e := range st.Arguments {
		switch arg := e.(type) {
		case *state.Single:
			view.Arguments[name] = ArgumentView{Kind: string(state.KindSingle), Ts: arg.Ts, Value: arg.Value}
		case *state.Rolling:
			points := make([]Point, len(arg.Points))
			for i, p := range arg.Points {
				points[i] = Point{Ts: p.Ts, Value: p.Value}
			}
			view.Arguments[name] = ArgumentView{Kind: string(state.KindRolling), Points: points}
		}
	}
	return view
}

func normalizeAndValidate(req SeriesQueryRequest) (SeriesQueryRequest, error) {
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return req, invalidQueryf("key is required")
	}
	if req.StartTs < 0 || req.EndTs <= req.StartTs {
		return req, invalidQueryf("end_ts must be after start_ts")
	}

	req.Granularity = strings.ToLower(strings.TrimSpace(req.Granularity))
	if req.Granularity == "" {
		req.Granularity = GranularityRaw
	}

	switch req.Granularity {
	case GranularityRaw:
		req.Order = strings.ToUpper(strings.TrimSpace(req.Order))
		if req.Order == "" {
			req.Order = string(storage.Asc)
		}
		if req.Order != string(storage.Asc) && req.Order != string(storage.Desc) {
			return req, invalidQueryf("invalid order %q (must be ASC or DESC)", req.Order)
		}
		if req.Limit <= 0 {
			req.Limit = defaultRawLimit
		}
		if req.Limit > maxRawLimit {
			return req, invalidQueryf("limit %d exceeds %d", req.Limit, maxRawLimit)
		}
	case GranularityTotal, Granularity1m, Granularity1h, Granularity1d:
		req.Agg = strings.ToLower(strings.TrimSpace(req.Agg))
		if req.Agg == "" {
			req.Agg = coreagg.OpAvg
		}
		if !coreagg.ValidOperator(req.Agg) {
			return req, invalidQueryf("unsupported agg %q", req.Agg)
		}
		if bucket, ok := bucketByGranularity[req.Granularity]; ok {
			if n := (req.EndTs - req.StartTs) / bucket.Milliseconds(); n > maxBuckets {
				return req, invalidQueryf("range spans more than %d %s buckets", maxBuckets, req.Granularity)
			}
		}
	default:
		return req, invalidQueryf("unsupported granularity %q", req.Granularity)
	}
	return req, nil
}

func nonNil(values []kv.Entry) []kv.Entry {
	if values == nil {
		return []kv.Entry{}
	}
	return values
}

func invalidQueryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
