package state

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Marshal encodes the state as a protobuf Struct.
func (s *State) Marshal() ([]byte, error) {
	st, err := s.toStruct()
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a state produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return fromMap(st.AsMap())
}

// CheckSize recomputes SizeBytes from the encoded form and sets WithinLimit against
// maxBytes. A non-positive maxBytes disables the limit. A state that cannot be encoded
// returns the encoding error and is left unchanged.
func (s *State) CheckSize(maxBytes int64) (bool, error) {
	st, err := s.toStruct()
	if err != nil {
		return false, err
	}
	s.SizeBytes = proto.Size(st)
	s.WithinLimit = maxBytes <= 0 || int64(s.SizeBytes) <= maxBytes
	return s.WithinLimit, nil
}

func (s *State) toStruct() (*structpb.Struct, error) {
	required := make([]any, len(s.Required))
	for i, name := range s.Required {
		required[i] = name
	}

	args := make(map[string]any, len(s.Arguments))
	for name, e := range s.Arguments {
		switch v := e.(type) {
		case *Single:
			args[name] = map[string]any{
				"kind":    string(KindSingle),
				"ts":      v.Ts,
				"version": v.Version,
				"value":   v.Value,
			}
		case *Rolling:
			points := make([]any, len(v.Points))
			for i, p := range v.Points {
				points[i] = []any{p.Ts, p.Value}
			}
			args[name] = map[string]any{
				"kind":      string(KindRolling),
				"limit":     v.Limit,
				"window_ms": v.Window.Milliseconds(),
				"points":    points,
			}
		}
	}

	st, err := structpb.NewStruct(map[string]any{
		"required":       required,
		"last_update_ts": s.LastUpdateTs,
		"arguments":      args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return st, nil
}

func fromMap(m map[string]any) (*State, error) {
	var required []string
	if raw, ok := m["required"].([]any); ok {
		for _, r := range raw {
			name, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("invalid required argument name %v", r)
			}
			required = append(required, name)
		}
	}

	s := New(required)
	s.LastUpdateTs = asInt64(m["last_update_ts"])

	args, _ := m["arguments"].(map[string]any)
	for name, raw := range args {
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument %q: invalid encoding", name)
		}
		switch Kind(asString(fields["kind"])) {
		case KindSingle:
			s.Arguments[name] = &Single{
				Ts:      asInt64(fields["ts"]),
				Version: asInt64(fields["version"]),
				Value:   fields["value"],
			}
		case KindRolling:
			r := NewRolling(int(asInt64(fields["limit"])), time.Duration(asInt64(fields["window_ms"]))*time.Millisecond)
			points, _ := fields["points"].([]any)
			for _, p := range points {
				pair, ok := p.([]any)
				if !ok || len(pair) != 2 {
					return nil, fmt.Errorf("argument %q: invalid rolling point", name)
				}
				value, _ := pair[1].(float64)
				r.Insert(asInt64(pair[0]), value)
			}
			s.Arguments[name] = r
		default:
			return nil, fmt.Errorf("argument %q: unknown kind %v", name, fields["kind"])
		}
	}
	return s, nil
}

func asInt64(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
