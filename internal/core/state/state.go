package state

import (
	"sort"
	"strings"

	"github.com/aevon-lab/calcengine/internal/core/entity"
)

// sourceSeparator joins an argument name and a related source entity in aggregation states.
const sourceSeparator = "|"

// State is the mutable accumulator for one (entity, calculated field) pair.
// It is owned by exactly one entity worker and never shared across goroutines.
type State struct {
	Arguments    map[string]Entry
	Required     []string
	SizeBytes    int
	WithinLimit  bool
	LastUpdateTs int64
}

// New creates an empty state that becomes ready once every required argument is present.
// Aggregation states pass no required names and are ready as soon as they exist.
func New(required []string) *State {
	req := append([]string(nil), required...)
	sort.Strings(req)
	return &State{
		Arguments:   make(map[string]Entry),
		Required:    req,
		WithinLimit: true,
	}
}

// Update merges argument updates into the state and reports whether anything changed.
func (s *State) Update(updates map[string]Entry) bool {
	changed := false
	for name, incoming := range updates {
		merged, ok := Merge(s.Arguments[name], incoming)
		if !ok {
			continue
		}
		s.Arguments[name] = merged
		changed = true
		if ts := latestTs(merged); ts > s.LastUpdateTs {
			s.LastUpdateTs = ts
		}
	}
	return changed
}

// Ready reports whether every required argument has a non-empty entry.
func (s *State) Ready() bool {
	for _, name := range s.Required {
		e, ok := s.Arguments[name]
		if !ok || e.IsEmpty() {
			return false
		}
	}
	return true
}

// Inputs returns the calculation view of every argument.
func (s *State) Inputs() map[string]any {
	out := make(map[string]any, len(s.Arguments))
	for name, e := range s.Arguments {
		out[name] = e.Input()
	}
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Required = append([]string(nil), s.Required...)
	out.Arguments = make(map[string]Entry, len(s.Arguments))
	for name, e := range s.Arguments {
		out.Arguments[name] = e.Clone()
	}
	return &out
}

// RemoveSource drops every argument contributed by a related source entity.
func (s *State) RemoveSource(source entity.ID) bool {
	suffix := sourceSeparator + source.String()
	removed := false
	for name := range s.Arguments {
		if strings.HasSuffix(name, suffix) {
			delete(s.Arguments, name)
			removed = true
		}
	}
	return removed
}

// SourceKey names the argument slot holding arg as read from a related source entity.
func SourceKey(arg string, source entity.ID) string {
	return arg + sourceSeparator + source.String()
}

// SplitSourceKey reverses SourceKey.
func SplitSourceKey(name string) (arg, source string, ok bool) {
	return strings.Cut(name, sourceSeparator)
}

func latestTs(e Entry) int64 {
	switch v := e.(type) {
	case *Single:
		return v.Ts
	case *Rolling:
		if len(v.Points) > 0 {
			return v.Points[len(v.Points)-1].Ts
		}
	}
	return 0
}
