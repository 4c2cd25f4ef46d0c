package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/swarm-simulator/discovery"
)

// EngineCollector exposes metrics about the simulation loop itself rather
// than the simulated traffic.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TickDuration      prometheus.Histogram
	PendingTimers     prometheus.Gauge
	DiscoveryOffers   *prometheus.CounterVec
	DoubleCompletions prometheus.Counter
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmsim_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	tickHistogram, err := registerHistogram(reg, tickHistogram, "swarmsim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	timers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swarmsim_scheduler_pending_events",
		Help: "Timers waiting in the simulation scheduler.",
	})
	timers, err = registerGauge(reg, timers, "swarmsim_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	offers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmsim_discovery_offers_total",
		Help: "Discovery candidates offered, labeled by admission result.",
	}, []string{"result"})
	offers, err = registerCounterVec(reg, offers, "swarmsim_discovery_offers_total")
	if err != nil {
		return nil, err
	}

	doubles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsim_double_completions_total",
		Help: "Peer behaviors that signalled completion more than once.",
	})
	doubles, err = registerCounter(reg, doubles, "swarmsim_double_completions_total")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:          gatherer,
		TickDuration:      tickHistogram,
		PendingTimers:     timers,
		DiscoveryOffers:   offers,
		DoubleCompletions: doubles,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTickDuration records how long a tick took to process.
func (c *EngineCollector) ObserveTickDuration(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// SetPendingTimers updates the scheduler queue depth gauge.
func (c *EngineCollector) SetPendingTimers(count int) {
	if c == nil || c.PendingTimers == nil {
		return
	}
	c.PendingTimers.Set(float64(count))
}

// ObserveDiscovery adds the outcome of one discovery round.
func (c *EngineCollector) ObserveDiscovery(stats discovery.TickStats) {
	if c == nil || c.DiscoveryOffers == nil {
		return
	}
	add := func(result string, n int) {
		if n > 0 {
			c.DiscoveryOffers.WithLabelValues(result).Add(float64(n))
		}
	}
	add("connected", stats.Connected)
	add("pool_exhausted", stats.PoolExhausted)
	add("already_connected", stats.AlreadyConnected)
	add("failed", stats.Failed)
}

// IncDoubleCompletions counts a repeated completion signal.
func (c *EngineCollector) IncDoubleCompletions() {
	if c == nil || c.DoubleCompletions == nil {
		return
	}
	c.DoubleCompletions.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
