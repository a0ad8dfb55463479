package projection

import (
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	GranularityRaw   = "raw"
	GranularityTotal = "total"
	Granularity1m    = "1m"
	Granularity1h    = "1h"
	Granularity1d    = "1d"
)

// SeriesQueryRequest represents the query parameters for reading one time series key.
type SeriesQueryRequest struct {
	TenantID    uuid.UUID
	Entity      entity.ID
	Key         string
	StartTs     int64
	EndTs       int64
	Granularity string // default: "raw"
	Agg         string // reduce function for bucketed granularities, default: "avg"
	Limit       int
	Order       string
}

// SeriesValue represents a single bucket in a rolled-up series response.
// Value is null when the bucket holds no numeric samples.
type SeriesValue struct {
	WindowStart time.Time           `json:"window_start"`
	WindowEnd   time.Time           `json:"window_end"`
	Value       decimal.NullDecimal `json:"value"`
	SampleCount int64               `json:"sample_count"`
}

// SeriesQueryResponse carries either raw samples or rolled-up buckets.
type SeriesQueryResponse struct {
	TenantID    uuid.UUID     `json:"tenant_id"`
	Entity      entity.ID     `json:"entity"`
	Key         string        `json:"key"`
	Granularity string        `json:"granularity"`
	Agg         string        `json:"agg,omitempty"`
	StartTs     int64         `json:"start_ts"`
	EndTs       int64         `json:"end_ts"`
	Truncated   bool          `json:"truncated"`
	Samples     []kv.Entry    `json:"samples,omitempty"`
	Values      []SeriesValue `json:"values,omitempty"`
}

// ValuesResponse lists latest time series values or attributes of an entity.
type ValuesResponse struct {
	Entity entity.ID  `json:"entity"`
	Scope  string     `json:"scope,omitempty"`
	Values []kv.Entry `json:"values"`
}

// ArgumentView is the read model of one argument slot of a calculation state.
type ArgumentView struct {
	Kind   string  `json:"kind"`
	Ts     int64   `json:"ts,omitempty"`
	Value  any     `json:"value,omitempty"`
	Points []Point `json:"points,omitempty"`
}

type Point struct {
	Ts    int64   `json:"ts"`
	Value float64 `json:"value"`
}

// StateView is the read model of the calculation state of one field on one entity.
type StateView struct {
	FieldID      uuid.UUID               `json:"field_id"`
	Ready        bool                    `json:"ready"`
	WithinLimit  bool                    `json:"within_limit"`
	SizeBytes    int                     `json:"size_bytes"`
	LastUpdateTs int64                   `json:"last_update_ts"`
	Required     []string                `json:"required,omitempty"`
	Arguments    map[string]ArgumentView `json:"arguments"`
}

// StatesResponse lists the calculation states held for an entity.
type StatesResponse struct {
	Entity entity.ID   `json:"entity"`
	States []StateView `json:"states"`
}
