// Package telemetry defines the structured events emitted by the simulator
// and the sinks that consume them.
package telemetry

import (
	"fmt"
	"sort"
	"time"
)

// Type classifies the emitter of an event.
type Type string

const (
	TypeSimulator Type = "simulator"
	TypePeer      Type = "peer"
	TypeSocket    Type = "socket"
	TypeCustom    Type = "custom"
)

// Canonical event names.
const (
	EventTick        = "tick"
	EventInit        = "init"
	EventEnd         = "end"
	EventOpen        = "open"
	EventUsingCache  = "using-cache"
	EventCreateCache = "create-cache"
	StatePrefix      = "state-"
)

// Keys reserved for the event envelope. Fields using them are dropped when
// the event is flattened.
const (
	KeyType      = "type"
	KeyEvent     = "event"
	KeyTime      = "time"
	KeyIteration = "iteration"
	KeySession   = "sessionId"
)

// Fields carries the type-specific payload of an event.
type Fields map[string]any

// Event is one telemetry record. Time is simulated milliseconds since the
// simulation started.
type Event struct {
	Type      Type
	Event     string
	Time      int64
	Iteration uint64
	SessionID string
	Fields    Fields
}

// Name returns "type/event".
func (e Event) Name() string { return string(e.Type) + "/" + e.Event }

// Is reports whether e has the given type and event name.
func (e Event) Is(t Type, event string) bool { return e.Type == t && e.Event == event }

// Field returns the payload value stored under key.
func (e Event) Field(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Map flattens the envelope and payload into a single map of plain values
// suitable for encoding.
func (e Event) Map() map[string]any {
	out := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		out[k] = normalize(v)
	}
	out[KeyType] = string(e.Type)
	out[KeyEvent] = e.Event
	out[KeyTime] = e.Time
	out[KeyIteration] = e.Iteration
	out[KeySession] = e.SessionID
	return out
}

// Keys returns the payload keys in sorted order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalize reduces v to the value kinds every encoder understands.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, int64, uint64, []byte:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return uint64(t)
	case uint32:
		return uint64(t)
	case float32:
		return float64(t)
	case time.Duration:
		return t.Milliseconds()
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	case Fields:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return fmt.Sprint(t)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
