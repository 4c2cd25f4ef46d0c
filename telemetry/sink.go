package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/swarm-simulator/internal/logging"
)

// Sink consumes telemetry events. Emit is called from the simulation loop
// and must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout delivers every event to each of its sinks in order.
type Fanout []Sink

// Emit forwards e to every sink.
func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Close closes every sink that implements io.Closer and returns the
// combined error.
func (f Fanout) Close() error {
	var result *multierror.Error
	for _, s := range f {
		if c, ok := s.(io.Closer); ok {
			result = multierror.Append(result, c.Close())
		}
	}
	return result.ErrorOrNil()
}

// encoderSink serialises events to a writer. The first write error is kept
// and reported by Close; later events are dropped.
type encoderSink struct {
	mu     sync.Mutex
	w      io.Writer
	encode func(io.Writer, Event) error
	err    error
}

func (s *encoderSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.encode(s.w, e)
}

// Close reports the first encoding error and closes the writer when it is
// an io.Closer.
func (s *encoderSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	result = multierror.Append(result, s.err)
	if c, ok := s.w.(io.Closer); ok {
		result = multierror.Append(result, c.Close())
	}
	return result.ErrorOrNil()
}

// NewJSONSink writes one JSON object per event and line to w.
func NewJSONSink(w io.Writer) Sink {
	return &encoderSink{w: w, encode: encodeJSON}
}

func encodeJSON(w io.Writer, e Event) error {
	st, err := structpb.NewStruct(e.Map())
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Name(), err)
	}
	b, err := protojson.MarshalOptions{}.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Name(), err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", e.Name(), err)
	}
	return nil
}

// NewMsgpackSink writes a stream of msgpack maps, one per event, to w.
func NewMsgpackSink(w io.Writer) Sink {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	return &encoderSink{w: w, encode: func(_ io.Writer, e Event) error {
		if err := enc.Encode(e.Map()); err != nil {
			return fmt.Errorf("encode %s: %w", e.Name(), err)
		}
		return nil
	}}
}

// DecodeMsgpack reads every event map from a stream written by a msgpack
// sink.
func DecodeMsgpack(r io.Reader) ([]map[string]any, error) {
	dec := msgpack.NewDecoder(r)
	var out []map[string]any
	for {
		m, err := dec.DecodeMap()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode telemetry: %w", err)
		}
		out = append(out, m)
	}
}

// NewLogSink logs tick events at debug level and everything else at info.
func NewLogSink(log logging.Logger) Sink {
	if log == nil {
		log = logging.Noop()
	}
	return SinkFunc(func(e Event) {
		fields := make([]logging.Field, 0, len(e.Fields)+2)
		fields = append(fields,
			logging.Uint64("iteration", e.Iteration),
			logging.Int64("time_ms", e.Time),
		)
		for _, k := range e.Keys() {
			fields = append(fields, logging.Any(k, normalize(e.Fields[k])))
		}
		ctx := logging.ContextWithSession(context.Background(), e.SessionID)
		if e.Event == EventTick {
			log.Debug(ctx, e.Name(), fields...)
			return
		}
		log.Info(ctx, e.Name(), fields...)
	})
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events with the given type and name.
func (r *Recorder) Filter(t Type, event string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Is(t, event) {
			out = append(out, e)
		}
	}
	return out
}
