package state

import (
	"sort"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/aggregation"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/shopspring/decimal"
)

// Kind tags the two ArgumentEntry variants.
type Kind string

const (
	KindSingle  Kind = "single"
	KindRolling Kind = "rolling"
)

// Entry is one argument slot of a calculation state: either *Single or *Rolling.
type Entry interface {
	Kind() Kind
	IsEmpty() bool
	// Input is the value handed to the calculation for this argument.
	Input() any
	Clone() Entry
}

// Single is the latest observed value of an argument. A nil Value means empty.
// ForceReset marks defaults and removals, which replace the slot regardless of timestamp.
type Single struct {
	Ts         int64
	Version    int64
	Value      any
	ForceReset bool
}

func (s *Single) Kind() Kind    { return KindSingle }
func (s *Single) IsEmpty() bool { return s == nil || s.Value == nil }
func (s *Single) Input() any    { return s.Value }

func (s *Single) Clone() Entry {
	c := *s
	return &c
}

// Point is one sample of a rolling window.
type Point struct {
	Ts    int64
	Value float64
}

// Rolling is a timestamp-ordered window of numeric samples bounded by Limit records.
// Window is the time span requested when the argument is fetched from storage.
type Rolling struct {
	Points []Point
	Limit  int
	Window time.Duration
}

// NewRolling creates an empty window. A non-positive limit falls back to the default bound.
func NewRolling(limit int, window time.Duration) *Rolling {
	if limit <= 0 {
		limit = field.DefaultRollingLimit
	}
	return &Rolling{Limit: limit, Window: window}
}

func (r *Rolling) Kind() Kind    { return KindRolling }
func (r *Rolling) IsEmpty() bool { return r == nil || len(r.Points) == 0 }

func (r *Rolling) Clone() Entry {
	c := *r
	c.Points = append([]Point(nil), r.Points...)
	return &c
}

// Insert adds a sample keyed by timestamp, overwriting a sample with the same timestamp,
// then evicts the oldest samples beyond Limit. It reports whether the window changed.
func (r *Rolling) Insert(ts int64, value float64) bool {
	i := sort.Search(len(r.Points), func(i int) bool { return r.Points[i].Ts >= ts })
	if i < len(r.Points) && r.Points[i].Ts == ts {
		if r.Points[i].Value == value {
			return false
		}
		r.Points[i].Value = value
		return true
	}

	r.Points = append(r.Points, Point{})
	copy(r.Points[i+1:], r.Points[i:])
	r.Points[i] = Point{Ts: ts, Value: value}

	limit := r.Limit
	if limit <= 0 {
		limit = field.DefaultRollingLimit
	}
	if over := len(r.Points) - limit; over > 0 {
		r.Points = append([]Point(nil), r.Points[over:]...)
		if i < over {
			return false
		}
	}
	return true
}

// Input exposes the window to expressions as an object with its samples and summary stats.
func (r *Rolling) Input() any {
	values := make([]float64, len(r.Points))
	timestamps := make([]int64, len(r.Points))
	decimals := make([]decimal.Decimal, len(r.Points))
	for i, p := range r.Points {
		values[i] = p.Value
		timestamps[i] = p.Ts
		decimals[i] = decimal.NewFromFloat(p.Value)
	}

	view := map[string]any{
		"values":     values,
		"timestamps": timestamps,
		"count":      len(r.Points),
	}
	for _, op := range []string{aggregation.OpSum, aggregation.OpAvg, aggregation.OpMin, aggregation.OpMax} {
		if d, ok := aggregation.Reduce(op, decimals); ok {
			view[op], _ = d.Float64()
		}
	}
	if len(r.Points) > 0 {
		view["first"] = r.Points[0].Value
		view["last"] = r.Points[len(r.Points)-1].Value
	}
	return view
}

// Merge folds incoming into existing and returns the resulting slot plus whether it changed.
// existing may be nil. The four variant combinations are:
//
//	Single  <- Single   newer timestamp or different value at the same timestamp replaces
//	Rolling <- Single   numeric value is inserted as a sample
//	Rolling <- Rolling  every sample is inserted
//	Single  <- Rolling  the slot becomes rolling, keeping a numeric prior value as a sample
func Merge(existing, incoming Entry) (Entry, bool) {
	if incoming == nil {
		return existing, false
	}
	if existing == nil {
		return normalized(incoming), true
	}

	switch cur := existing.(type) {
	case *Single:
		switch inc := incoming.(type) {
		case *Single:
			return mergeSingle(cur, inc)
		case *Rolling:
			out := NewRolling(inc.Limit, inc.Window)
			if !cur.IsEmpty() {
				if v, ok := kv.Numeric(cur.Value); ok {
					out.Insert(cur.Ts, v)
				}
			}
			for _, p := range inc.Points {
				out.Insert(p.Ts, p.Value)
			}
			return out, true
		}
	case *Rolling:
		switch inc := incoming.(type) {
		case *Single:
			if inc.IsEmpty() {
				return cur, false
			}
			v, ok := kv.Numeric(inc.Value)
			if !ok {
				return cur, false
			}
			return cur, cur.Insert(inc.Ts, v)
		case *Rolling:
			changed := false
			for _, p := range inc.Points {
				if cur.Insert(p.Ts, p.Value) {
					changed = true
				}
			}
			return cur, changed
		}
	}
	return existing, false
}

func mergeSingle(cur, inc *Single) (Entry, bool) {
	next := &Single{Ts: inc.Ts, Version: inc.Version, Value: kv.Normalize(inc.Value)}
	if inc.ForceReset {
		return next, !kv.Equal(cur.Value, next.Value)
	}
	if inc.Ts > cur.Ts {
		return next, true
	}
	if inc.Ts == cur.Ts && (!kv.Equal(cur.Value, next.Value) || inc.Version > cur.Version) {
		return next, !kv.Equal(cur.Value, next.Value)
	}
	return cur, false
}

func normalized(e Entry) Entry {
	switch v := e.(type) {
	case *Single:
		return &Single{Ts: v.Ts, Version: v.Version, Value: kv.Normalize(v.Value)}
	case *Rolling:
		out := NewRolling(v.Limit, v.Window)
		for _, p := range v.Points {
			out.Insert(p.Ts, p.Value)
		}
		return out
	}
	return e.Clone()
}
