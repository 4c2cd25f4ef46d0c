package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/swarm-simulator/telemetry"
)

// SimCollector bundles Prometheus metrics derived from the simulator's
// telemetry stream. It is a telemetry.Sink and is safe for concurrent use.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Ticks        prometheus.Counter
	TickDelta    prometheus.Histogram
	Peers        prometheus.Gauge
	PendingPeers prometheus.Gauge
	Connections  prometheus.Gauge
	Capacity     prometheus.Gauge
	Rate         prometheus.Gauge
	Load         prometheus.Gauge

	SocketBytes   *prometheus.CounterVec
	SocketsOpened prometheus.Counter
	SocketsClosed *prometheus.CounterVec
	PeerEnds      *prometheus.CounterVec
	CustomEvents  *prometheus.CounterVec
}

// NewSimCollector registers simulator Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsim_ticks_total",
		Help: "Number of simulation ticks processed.",
	}), "swarmsim_ticks_total")
	if err != nil {
		return nil, err
	}
	delta, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmsim_tick_delta_seconds",
		Help:    "Simulated time advanced per tick.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}), "swarmsim_tick_delta_seconds")
	if err != nil {
		return nil, err
	}

	newGauge := func(name, help string) (prometheus.Gauge, error) {
		return registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help}), name)
	}
	c := &SimCollector{gatherer: gatherer, Ticks: ticks, TickDelta: delta}
	if c.Peers, err = newGauge("swarmsim_peers", "Peers launched in the simulation."); err != nil {
		return nil, err
	}
	if c.PendingPeers, err = newGauge("swarmsim_pending_peers", "Launched peers that have not completed yet."); err != nil {
		return nil, err
	}
	if c.Connections, err = newGauge("swarmsim_connections", "Open simulated channels."); err != nil {
		return nil, err
	}
	if c.Capacity, err = newGauge("swarmsim_capacity_bytes_per_second", "Aggregate peer bandwidth budget of the last tick."); err != nil {
		return nil, err
	}
	if c.Rate, err = newGauge("swarmsim_rate_bytes_per_second", "Bytes moved per simulated second in the last tick."); err != nil {
		return nil, err
	}
	if c.Load, err = newGauge("swarmsim_load_ratio", "Fraction of the last tick's capacity that was used."); err != nil {
		return nil, err
	}

	if c.SocketBytes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmsim_socket_bytes_total",
		Help: "Bytes delivered over simulated channels, labeled by direction relative to the initiating side.",
	}, []string{"direction"}), "swarmsim_socket_bytes_total"); err != nil {
		return nil, err
	}
	if c.SocketsOpened, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarmsim_sockets_opened_total",
		Help: "Simulated channels admitted.",
	}), "swarmsim_sockets_opened_total"); err != nil {
		return nil, err
	}
	if c.SocketsClosed, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmsim_sockets_closed_total",
		Help: "Simulated channels that reached the terminal state, labeled by outcome.",
	}, []string{"outcome"}), "swarmsim_sockets_closed_total"); err != nil {
		return nil, err
	}
	if c.PeerEnds, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmsim_peer_ends_total",
		Help: "Peers that signalled completion, labeled by outcome.",
	}, []string{"outcome"}), "swarmsim_peer_ends_total"); err != nil {
		return nil, err
	}
	if c.CustomEvents, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmsim_custom_events_total",
		Help: "Application events signalled by peer behaviors.",
	}, []string{"event"}), "swarmsim_custom_events_total"); err != nil {
		return nil, err
	}

	return c, nil
}

// Emit updates the metrics from one telemetry event.
func (c *SimCollector) Emit(e telemetry.Event) {
	if c == nil {
		return
	}
	switch {
	case e.Is(telemetry.TypeSimulator, telemetry.EventTick):
		c.Ticks.Inc()
		c.TickDelta.Observe(number(e.Fields["delta"]) / 1000)
		c.Peers.Set(number(e.Fields["peers"]))
		c.PendingPeers.Set(number(e.Fields["pending"]))
		c.Connections.Set(number(e.Fields["connections"]))
		c.Capacity.Set(number(e.Fields["capacity"]))
		c.Rate.Set(number(e.Fields["rate"]))
		c.Load.Set(number(e.Fields["load"]))
	case e.Is(telemetry.TypeSocket, telemetry.EventTick):
		c.SocketBytes.WithLabelValues("rx").Add(number(e.Fields["rx"]))
		c.SocketBytes.WithLabelValues("tx").Add(number(e.Fields["tx"]))
	case e.Is(telemetry.TypeSocket, telemetry.EventOpen):
		c.SocketsOpened.Inc()
	case e.Is(telemetry.TypeSocket, telemetry.EventEnd):
		c.SocketsClosed.WithLabelValues(outcome(e.Fields["error"])).Inc()
	case e.Is(telemetry.TypePeer, telemetry.EventEnd):
		c.PeerEnds.WithLabelValues(outcome(e.Fields["error"])).Inc()
	case e.Type == telemetry.TypeCustom:
		c.CustomEvents.WithLabelValues(e.Event).Inc()
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func number(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case int32:
		return float64(t)
	case uint32:
		return float64(t)
	case time.Duration:
		return float64(t.Milliseconds())
	default:
		return 0
	}
}

func outcome(v any) string {
	switch t := v.(type) {
	case nil:
		return "ok"
	case string:
		if t == "" {
			return "ok"
		}
	}
	return "error"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
