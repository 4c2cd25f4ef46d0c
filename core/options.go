package core

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/swarm-simulator/discovery"
	"github.com/signalsfoundry/swarm-simulator/internal/logging"
	"github.com/signalsfoundry/swarm-simulator/internal/storage"
	"github.com/signalsfoundry/swarm-simulator/scheduler"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/timectrl"
)

const (
	// DefaultLinkRate is the per-peer link rate used when a role leaves it
	// unset, in bytes per second.
	DefaultLinkRate int64 = 100 << 10
	// DefaultMaxConnections bounds a peer's connection pool when a role
	// leaves it unset.
	DefaultMaxConnections = 8
	// DefaultReservedRate is the bandwidth, in bytes per second, reserved
	// for every open channel so that none of them starves.
	DefaultReservedRate int64 = 1 << 10
	// DefaultInterval is the wall time between ticks in Run.
	DefaultInterval = 500 * time.Millisecond
	// DefaultSpeed scales wall time to simulated time in Run.
	DefaultSpeed = 0.1
)

// EngineMetrics receives measurements about the simulation loop.
type EngineMetrics interface {
	ObserveTickDuration(d time.Duration)
	SetPendingTimers(count int)
	ObserveDiscovery(stats discovery.TickStats)
	IncDoubleCompletions()
}

type nopMetrics struct{}

func (nopMetrics) ObserveTickDuration(time.Duration)    {}
func (nopMetrics) SetPendingTimers(int)                 {}
func (nopMetrics) ObserveDiscovery(discovery.TickStats) {}
func (nopMetrics) IncDoubleCompletions()                {}

// Options holds the simulator configuration. The zero value of every field
// selects its default.
type Options struct {
	ReservedRate   int64
	DiscoveryLimit int
	KnownLimit     int
	// ForgetClosed makes two peers discoverable to each other again once
	// their channel has closed.
	ForgetClosed bool

	Seed          int64
	SessionID     string
	SchedulerMode scheduler.Mode

	Interval  time.Duration
	Speed     float64
	ClockMode timectrl.Mode
	// Duration caps the simulated time of Run; zero runs until every peer
	// has completed.
	Duration time.Duration

	// KeepStorage leaves the storage pool in place on Close.
	KeepStorage bool
	Storage     *storage.Pool

	Sink    telemetry.Sink
	Logger  logging.Logger
	Metrics EngineMetrics
	Tracer  trace.Tracer
}

// Option customises Simulator construction.
type Option func(*Options)

// WithReservedRate sets the bandwidth reserved per open channel. A negative
// rate disables the reserve.
func WithReservedRate(bytesPerSec int64) Option {
	return func(o *Options) { o.ReservedRate = bytesPerSec }
}

// WithDiscoveryLimit sets how many candidates a peer is offered per tick.
func WithDiscoveryLimit(n int) Option {
	return func(o *Options) { o.DiscoveryLimit = n }
}

// WithKnownLimit bounds how many candidates a registration remembers.
func WithKnownLimit(n int) Option {
	return func(o *Options) { o.KnownLimit = n }
}

// WithForgetClosed lets peers rediscover each other after their channel
// closed.
func WithForgetClosed(on bool) Option {
	return func(o *Options) { o.ForgetClosed = on }
}

// WithSeed makes every random choice of the simulation reproducible.
func WithSeed(seed int64) Option {
	return func(o *Options) { o.Seed = seed }
}

// WithSessionID fixes the session id stamped on every telemetry event.
func WithSessionID(id string) Option {
	return func(o *Options) { o.SessionID = id }
}

// WithSchedulerMode selects how due timers are invoked.
func WithSchedulerMode(m scheduler.Mode) Option {
	return func(o *Options) { o.SchedulerMode = m }
}

// WithPacing configures the wall-clock pacing used by Run.
func WithPacing(interval time.Duration, speed float64, mode timectrl.Mode) Option {
	return func(o *Options) {
		o.Interval = interval
		o.Speed = speed
		o.ClockMode = mode
	}
}

// WithDuration caps the simulated time of Run.
func WithDuration(d time.Duration) Option {
	return func(o *Options) { o.Duration = d }
}

// WithStorage selects the storage pool peers are provisioned from.
func WithStorage(p *storage.Pool) Option {
	return func(o *Options) { o.Storage = p }
}

// WithKeepStorage leaves the storage pool in place on Close.
func WithKeepStorage(keep bool) Option {
	return func(o *Options) { o.KeepStorage = keep }
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(o *Options) { o.Sink = s }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the engine metrics recorder.
func WithMetrics(m EngineMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer sets the tracer used for setup and run spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

func (o *Options) applyDefaults() {
	switch {
	case o.ReservedRate == 0:
		o.ReservedRate = DefaultReservedRate
	case o.ReservedRate < 0:
		// A negative rate disables the per-channel reserve.
		o.ReservedRate = 0
	}
	if o.DiscoveryLimit <= 0 {
		o.DiscoveryLimit = discovery.DefaultLimit
	}
	if o.KnownLimit <= 0 {
		o.KnownLimit = discovery.DefaultKnownLimit
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Speed <= 0 {
		o.Speed = DefaultSpeed
	}
	if o.Storage == nil {
		o.Storage = storage.NewMemPool()
	}
	if o.Sink == nil {
		o.Sink = telemetry.Discard
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
}
