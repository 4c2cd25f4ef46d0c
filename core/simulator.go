// Package core runs a swarm of simulated peers: it launches peer behaviors,
// forms throttled channels between them through the discovery service and
// advances everything one tick at a time.
package core

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/swarm-simulator/discovery"
	"github.com/signalsfoundry/swarm-simulator/internal/logging"
	"github.com/signalsfoundry/swarm-simulator/internal/observability"
	"github.com/signalsfoundry/swarm-simulator/scheduler"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/throttle"
	"github.com/signalsfoundry/swarm-simulator/timectrl"
)

// State is the lifecycle state of a Simulator.
type State int

const (
	// StateInitializing prepares the storage pool.
	StateInitializing State = iota
	// StateReady accepts peer launches.
	StateReady
	// StateRunning ticks until no peer is pending.
	StateRunning
	// StateFinished is terminal.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type pairKey struct{ lo, hi PeerID }

func keyOf(a, b PeerID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// link is an open channel between two peers. src is the initiating peer and
// owns endpoint A.
type link struct {
	ch       *throttle.Channel
	src, dst *Peer
	topic    string
	closed   bool
}

// Simulator owns the peers, the discovery service, the scheduler and the
// simulated clock. Apart from State and PeerContext.Defer, its methods must
// be called from the goroutine driving the simulation; behaviors always run
// there.
type Simulator struct {
	opts      Options
	log       logging.Logger
	ctx       context.Context
	sink      telemetry.Sink
	tracer    trace.Tracer
	metrics   EngineMetrics
	sessionID string

	rng   *rand.Rand
	sched *scheduler.Scheduler
	disc  *discovery.Service

	mu    sync.RWMutex
	state State

	iteration    uint64
	now          time.Duration
	nextPeerID   PeerID
	nextSocketID uint64

	peers    map[PeerID]*Peer
	order    []*Peer
	pending  int
	links    map[pairKey]*link
	channels []*link

	mailMu  sync.Mutex
	mailbox []func()

	prepared bool
	closed   bool
}

// New creates a simulator in the initializing state.
func New(opts ...Option) *Simulator {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.applyDefaults()
	if o.Tracer == nil {
		o.Tracer = observability.Tracer()
	}
	sessionID := o.SessionID
	if sessionID == "" {
		sessionID = logging.NewSessionID()
	}
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Simulator{
		opts:      o,
		log:       o.Logger,
		ctx:       logging.ContextWithSession(context.Background(), sessionID),
		sink:      o.Sink,
		tracer:    o.Tracer,
		metrics:   o.Metrics,
		sessionID: sessionID,
		rng:       rand.New(rand.NewSource(seed)),
		sched:     scheduler.New(o.SchedulerMode),
		peers:     make(map[PeerID]*Peer),
		links:     make(map[pairKey]*link),
	}
	s.disc = discovery.New(s,
		discovery.WithLimit(o.DiscoveryLimit),
		discovery.WithKnownLimit(o.KnownLimit),
		discovery.WithRand(s.rng),
		discovery.WithLogger(o.Logger),
	)
	s.emit(telemetry.TypeSimulator, telemetry.StatePrefix+StateInitializing.String(), nil)
	return s
}

// State returns the current lifecycle state. It is safe for concurrent use.
func (s *Simulator) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Simulator) setState(next State, fields telemetry.Fields) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.log.Info(s.ctx, "simulator state changed", logging.String("state", next.String()))
	s.emit(telemetry.TypeSimulator, telemetry.StatePrefix+next.String(), fields)
}

// SessionID returns the id stamped on every telemetry event.
func (s *Simulator) SessionID() string { return s.sessionID }

// Iteration returns the number of ticks processed so far.
func (s *Simulator) Iteration() uint64 { return s.iteration }

// Now returns the simulated time.
func (s *Simulator) Now() time.Duration { return s.now }

// Pending returns the number of launched peers that have not completed.
func (s *Simulator) Pending() int { return s.pending }

// Connections returns the number of open channels.
func (s *Simulator) Connections() int { return len(s.links) }

// Peers returns every launched peer in launch order.
func (s *Simulator) Peers() []*Peer {
	return append([]*Peer(nil), s.order...)
}

// Peer returns the peer with the given id.
func (s *Simulator) Peer(id PeerID) (*Peer, bool) {
	p, ok := s.peers[id]
	return p, ok
}

// Discovery returns the simulator's discovery service.
func (s *Simulator) Discovery() *discovery.Service { return s.disc }

// Setup prepares the storage pool, moves the simulator to ready and launches
// the given roles. A storage conflict aborts setup and leaves the simulator
// initializing.
func (s *Simulator) Setup(ctx context.Context, roles ...Role) error {
	ctx, span := s.tracer.Start(ctx, "simulator.setup",
		trace.WithAttributes(attribute.Int("roles", len(roles))))
	defer span.End()

	if st := s.State(); st != StateInitializing {
		return fmt.Errorf("setup in state %s: %w", st, ErrInvalidState)
	}

	pool := s.opts.Storage
	created, err := pool.Prepare()
	if err != nil {
		s.log.Error(s.ctx, "storage setup failed", logging.String("path", pool.Root()), logging.Err(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage setup failed")
		return fmt.Errorf("prepare storage: %w", err)
	}
	s.prepared = true
	event := telemetry.EventUsingCache
	if created {
		event = telemetry.EventCreateCache
	}
	s.emit(telemetry.TypeSimulator, event, telemetry.Fields{"path": pool.Root()})
	s.setState(StateReady, nil)

	for _, role := range roles {
		if _, err := s.Launch(ctx, role); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// Launch starts role.Count peers running role.Init. Peers can be launched
// while the simulator is ready or running.
func (s *Simulator) Launch(ctx context.Context, role Role) ([]*Peer, error) {
	if st := s.State(); st != StateReady && st != StateRunning {
		return nil, fmt.Errorf("launch in state %s: %w", st, ErrInvalidState)
	}
	if err := role.validate(); err != nil {
		return nil, err
	}

	_, span := s.tracer.Start(ctx, "simulator.launch", trace.WithAttributes(
		attribute.String("role", role.Name),
		attribute.Int("count", role.Count),
	))
	defer span.End()

	peers := make([]*Peer, 0, role.Count)
	for i := 0; i < role.Count; i++ {
		p, err := s.launchPeer(&role)
		if err != nil {
			span.RecordError(err)
			return peers, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (s *Simulator) launchPeer(role *Role) (*Peer, error) {
	s.nextPeerID++
	id := s.nextPeerID
	fs, err := s.opts.Storage.ForPeer(uint64(id))
	if err != nil {
		return nil, fmt.Errorf("storage for peer %d: %w", id, err)
	}

	p := &Peer{
		id:             id,
		name:           role.Name,
		linkRate:       role.LinkRate,
		maxConnections: role.MaxConnections,
		latency:        role.Latency,
		open:           make(map[uint64]*link),
	}
	p.swarm = &Swarm{sim: s, peer: p}
	s.peers[id] = p
	s.order = append(s.order, p)
	s.pending++
	s.emit(telemetry.TypePeer, telemetry.EventInit, telemetry.Fields{"id": uint64(id), "name": p.name})

	pc := &PeerContext{
		sim:     s,
		peer:    p,
		storage: fs,
		log:     s.log.With(logging.Uint64("peer_id", uint64(id)), logging.String("peer", p.name)),
	}
	role.Init(pc, func(err error) {
		s.post(func() { s.complete(p, err) })
	})
	s.drain()
	return p, nil
}

func (s *Simulator) complete(p *Peer, err error) {
	if p.finished {
		s.metrics.IncDoubleCompletions()
		s.log.Warn(s.ctx, "peer signaled completion twice",
			logging.Uint64("peer_id", uint64(p.id)),
			logging.String("peer", p.name),
			logging.Err(ErrDoubleCompletion),
		)
		return
	}
	p.finished = true
	p.err = err
	s.pending--
	if err != nil {
		s.log.Warn(s.ctx, "peer failed", logging.Uint64("peer_id", uint64(p.id)), logging.Err(err))
	}
	s.emit(telemetry.TypePeer, telemetry.EventEnd, telemetry.Fields{
		"id":    uint64(p.id),
		"name":  p.name,
		"error": errValue(err),
	})
}

// Start moves a ready simulator to running.
func (s *Simulator) Start() error {
	if st := s.State(); st != StateReady {
		return fmt.Errorf("start in state %s: %w", st, ErrInvalidState)
	}
	s.setState(StateRunning, telemetry.Fields{
		"speed":    s.opts.Speed,
		"interval": s.opts.Interval,
	})
	return nil
}

// Connect opens a channel from src to dst. It fails with ErrAlreadyConnected
// when src and dst are the same peer or already share a channel, and with
// ErrPoolExhausted when either side has no free connection slot. Connect
// implements discovery.Connector.
func (s *Simulator) Connect(src, dst PeerID, topic string) error {
	a, ok := s.peers[src]
	if !ok {
		return fmt.Errorf("connect %d: %w", src, ErrUnknownPeer)
	}
	b, ok := s.peers[dst]
	if !ok {
		return fmt.Errorf("connect %d: %w", dst, ErrUnknownPeer)
	}
	key := keyOf(src, dst)
	if src == dst || s.links[key] != nil {
		return fmt.Errorf("connect %d to %d: %w", src, dst, ErrAlreadyConnected)
	}
	if len(a.open) >= a.maxConnections || len(b.open) >= b.maxConnections {
		return fmt.Errorf("connect %d to %d: %w", src, dst, ErrPoolExhausted)
	}

	s.nextSocketID++
	ch := throttle.New(s.nextSocketID, throttle.WithLatency(s.sched, max(a.latency, b.latency)))
	l := &link{ch: ch, src: a, dst: b, topic: topic}
	a.open[ch.ID()] = l
	b.open[ch.ID()] = l
	s.links[key] = l
	s.channels = append(s.channels, l)

	s.emit(telemetry.TypeSocket, telemetry.EventOpen, telemetry.Fields{
		"id":    ch.ID(),
		"src":   uint64(src),
		"dst":   uint64(dst),
		"topic": topic,
	})
	a.swarm.conns.Emit(connection{endpoint: ch.A(), info: ConnectionInfo{Client: true, Topic: topic, Remote: dst}})
	b.swarm.conns.Emit(connection{endpoint: ch.B(), info: ConnectionInfo{Client: false, Topic: topic, Remote: src}})
	return nil
}

func (s *Simulator) closeLink(l *link) {
	l.closed = true
	delete(l.src.open, l.ch.ID())
	delete(l.dst.open, l.ch.ID())
	delete(s.links, keyOf(l.src.id, l.dst.id))
	if s.opts.ForgetClosed {
		s.disc.Forget(l.src.id, l.dst.id)
	}
	s.emit(telemetry.TypeSocket, telemetry.EventEnd, telemetry.Fields{
		"id":    l.ch.ID(),
		"src":   uint64(l.src.id),
		"dst":   uint64(l.dst.id),
		"error": errValue(l.ch.Err()),
	})
}

// Tick advances the simulation by delta and processes one iteration. The
// simulator must be running.
func (s *Simulator) Tick(delta time.Duration) error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("tick in state %s: %w", st, ErrInvalidState)
	}
	started := time.Now()
	if delta < 0 {
		delta = 0
	}

	s.iteration++
	s.now += delta
	s.sched.AdvanceTo(s.now)
	s.drain()

	s.metrics.ObserveDiscovery(s.disc.Tick(s.iteration, delta))

	reserved := s.opts.ReservedRate
	floor := channelFloor(reserved, delta)
	var capacity float64
	for _, p := range s.order {
		p.remaining = peerBudget(p.linkRate, reserved, len(p.open), delta)
		p.allowance = allowance(p.remaining, floor, len(p.open))
		capacity += p.allowance
	}

	visit := make([]*link, 0, len(s.channels))
	for _, l := range s.channels {
		if !l.closed {
			visit = append(visit, l)
		}
	}
	s.rng.Shuffle(len(visit), func(i, j int) { visit[i], visit[j] = visit[j], visit[i] })

	var moved int64
	for _, l := range visit {
		if l.closed || l.ch.LastIteration() >= s.iteration {
			continue
		}
		budget := channelBudget(l.src.remaining, l.dst.remaining, floor)
		res := l.ch.Tick(s.iteration, budget)
		n := res.Moved()
		moved += n
		l.src.remaining -= float64(n)
		l.dst.remaining -= float64(n)
		l.src.rx += res.Rx
		l.src.tx += res.Tx
		l.dst.rx += res.Tx
		l.dst.tx += res.Rx

		s.emit(telemetry.TypeSocket, telemetry.EventTick, telemetry.Fields{
			"id":   l.ch.ID(),
			"src":  uint64(l.src.id),
			"dst":  uint64(l.dst.id),
			"rx":   res.Rx,
			"tx":   res.Tx,
			"load": ratio(float64(n), float64(budget)),
		})
		if l.ch.Ended() {
			s.closeLink(l)
		}
	}

	open := s.channels[:0]
	for _, l := range s.channels {
		if !l.closed {
			open = append(open, l)
		}
	}
	for i := len(open); i < len(s.channels); i++ {
		s.channels[i] = nil
	}
	s.channels = open

	var traffic int64
	for _, p := range s.order {
		fields := telemetry.Fields{
			"id":              uint64(p.id),
			"name":            p.name,
			"rx":              p.rx,
			"tx":              p.tx,
			"maxConnections":  p.maxConnections,
			"connectionCount": len(p.open),
			"linkRate":        p.linkRate,
			"load":            ratio(float64(p.rx+p.tx), p.allowance),
			"state":           p.state(),
		}
		if !p.finished {
			p.age++
			fields["age"] = p.age
			p.hooks.Emit(&tickCall{iteration: s.iteration, delta: delta, fields: fields})
		} else {
			fields["age"] = p.age
		}
		s.emit(telemetry.TypePeer, telemetry.EventTick, fields)

		traffic += p.rx + p.tx
		p.totalRx += p.rx
		p.totalTx += p.tx
		p.rx, p.tx = 0, 0
	}

	seconds := delta.Seconds()
	s.emit(telemetry.TypeSimulator, telemetry.EventTick, telemetry.Fields{
		"delta":       delta,
		"pending":     s.pending,
		"connections": len(s.links),
		"peers":       len(s.order),
		"capacity":    ratio(capacity, seconds),
		"rate":        ratio(float64(moved), seconds),
		"load":        ratio(float64(traffic), capacity),
	})

	s.drain()
	s.metrics.SetPendingTimers(s.sched.Len())
	s.metrics.ObserveTickDuration(time.Since(started))

	if s.pending == 0 {
		s.setState(StateFinished, nil)
	}
	return nil
}

// Run starts the simulator and ticks it on the configured pacing until every
// peer has completed, the configured duration of simulated time has passed,
// or ctx ends. Resources are released before Run returns.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "simulator.run", trace.WithAttributes(
		attribute.Int("peers", len(s.order)),
		attribute.String("session_id", s.sessionID),
	))
	defer span.End()

	tc := timectrl.NewTimeController(s.opts.Interval, s.opts.Speed, s.opts.ClockMode)
	var tickErr error
	tc.AddListener(func(_, delta time.Duration) {
		if err := s.Tick(delta); err != nil {
			tickErr = err
			tc.Stop()
			return
		}
		if s.State() == StateFinished {
			tc.Stop()
		}
	})
	<-tc.Start(ctx, s.opts.Duration)

	var result *multierror.Error
	if tickErr != nil {
		result = multierror.Append(result, tickErr)
	}
	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	span.SetAttributes(attribute.Int64("iterations", int64(s.iteration)))
	if err := result.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "simulation failed")
		return err
	}
	return nil
}

// Close finishes the simulation if it is still running, removes a prepared
// storage pool unless it is kept, and closes the sink when it can be closed.
// Close is idempotent.
func (s *Simulator) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.State() != StateFinished {
		s.setState(StateFinished, nil)
	}

	var result *multierror.Error
	// A pool that failed to prepare may be someone else's file.
	if s.prepared && !s.opts.KeepStorage {
		if err := s.opts.Storage.Teardown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("teardown storage: %w", err))
		}
	}
	if c, ok := s.sink.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Simulator) emit(t telemetry.Type, event string, fields telemetry.Fields) {
	s.sink.Emit(telemetry.Event{
		Type:      t,
		Event:     event,
		Time:      s.now.Milliseconds(),
		Iteration: s.iteration,
		SessionID: s.sessionID,
		Fields:    fields,
	})
}

func (s *Simulator) post(fn func()) {
	if fn == nil {
		return
	}
	s.mailMu.Lock()
	s.mailbox = append(s.mailbox, fn)
	s.mailMu.Unlock()
}

// drain runs queued work until the mailbox stays empty.
func (s *Simulator) drain() {
	for {
		s.mailMu.Lock()
		batch := s.mailbox
		s.mailbox = nil
		s.mailMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func errValue(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}
