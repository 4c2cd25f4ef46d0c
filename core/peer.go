package core

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/afero"

	"github.com/signalsfoundry/swarm-simulator/discovery"
	"github.com/signalsfoundry/swarm-simulator/internal/listeners"
	"github.com/signalsfoundry/swarm-simulator/internal/logging"
	"github.com/signalsfoundry/swarm-simulator/scheduler"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/throttle"
)

// PeerID identifies a peer within one simulation.
type PeerID = discovery.PeerID

// JoinOptions selects whether a peer announces itself, looks up others, or
// both on a topic.
type JoinOptions = discovery.JoinOptions

// InitFunc is a peer behavior. It is called once when the peer launches and
// must eventually call done exactly once, optionally with an error.
//
// Behaviors run on the simulation loop. Work done on other goroutines must
// hop back through PeerContext.Defer before touching the simulation.
type InitFunc func(pc *PeerContext, done func(error))

// TickFunc is a per-peer tick hook. Returned fields are merged into the
// peer's tick telemetry.
type TickFunc func(iteration uint64, delta time.Duration) telemetry.Fields

// Role describes Count identical peers.
type Role struct {
	Name           string
	Count          int
	LinkRate       int64 // bytes per second
	MaxConnections int
	Latency        time.Duration
	Init           InitFunc
}

func (r *Role) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRole)
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: %s: negative count %d", ErrInvalidRole, r.Name, r.Count)
	}
	if r.Init == nil {
		return fmt.Errorf("%w: %s: no init function", ErrInvalidRole, r.Name)
	}
	if r.Latency < 0 {
		return fmt.Errorf("%w: %s: negative latency", ErrInvalidRole, r.Name)
	}
	if r.LinkRate <= 0 {
		r.LinkRate = DefaultLinkRate
	}
	if r.MaxConnections <= 0 {
		r.MaxConnections = DefaultMaxConnections
	}
	return nil
}

// Peer is the simulator's record of one launched peer.
type Peer struct {
	id             PeerID
	name           string
	linkRate       int64
	maxConnections int
	latency        time.Duration

	open map[uint64]*link

	// remaining and allowance are the byte budgets of the current tick.
	remaining float64
	allowance float64

	age      uint64
	rx, tx   int64
	totalRx  int64
	totalTx  int64
	finished bool
	err      error

	hooks listeners.List[*tickCall]
	swarm *Swarm
}

// tickCall carries one invocation of the tick hooks so that listeners can
// contribute fields.
type tickCall struct {
	iteration uint64
	delta     time.Duration
	fields    telemetry.Fields
}

// ID returns the peer id.
func (p *Peer) ID() PeerID { return p.id }

// Name returns the role name of the peer.
func (p *Peer) Name() string { return p.name }

// LinkRate returns the peer's link rate in bytes per second.
func (p *Peer) LinkRate() int64 { return p.linkRate }

// MaxConnections returns the size of the peer's connection pool.
func (p *Peer) MaxConnections() int { return p.maxConnections }

// Connections returns the number of open channels.
func (p *Peer) Connections() int { return len(p.open) }

// Age returns the number of ticks the peer has been active.
func (p *Peer) Age() uint64 { return p.age }

// Finished reports whether the peer's behavior has completed.
func (p *Peer) Finished() bool { return p.finished }

// Err returns the error the behavior completed with.
func (p *Peer) Err() error { return p.err }

// BytesReceived returns the bytes delivered to the peer in completed ticks.
func (p *Peer) BytesReceived() int64 { return p.totalRx }

// BytesSent returns the bytes delivered from the peer in completed ticks.
func (p *Peer) BytesSent() int64 { return p.totalTx }

func (p *Peer) state() string {
	if p.finished {
		return "finished"
	}
	return "running"
}

// ConnectionInfo describes a newly formed channel from one side.
type ConnectionInfo struct {
	// Client is true on the initiating side.
	Client bool
	Topic  string
	Remote PeerID
}

type connection struct {
	endpoint *throttle.Endpoint
	info     ConnectionInfo
}

// Swarm is a peer's handle on the discovery service and its connections.
type Swarm struct {
	sim   *Simulator
	peer  *Peer
	conns listeners.List[connection]
}

// Join registers the peer under topic and returns a function that leaves it.
func (s *Swarm) Join(topic string, opts JoinOptions) (leave func()) {
	s.sim.disc.Register(topic, s.peer.id, opts)
	return func() { s.Leave(topic) }
}

// Leave removes the peer from topic. It reports whether the peer was
// registered.
func (s *Swarm) Leave(topic string) bool {
	return s.sim.disc.Unregister(topic, s.peer.id)
}

// LeaveAll removes the peer from every topic.
func (s *Swarm) LeaveAll() int {
	return s.sim.disc.UnregisterAll(s.peer.id)
}

// Topics returns the topics the peer is registered under.
func (s *Swarm) Topics() []string {
	return s.sim.disc.Topics(s.peer.id)
}

// Connect opens a channel to remote directly, bypassing discovery.
func (s *Swarm) Connect(remote PeerID) error {
	return s.sim.Connect(s.peer.id, remote, "")
}

// Connections returns the number of open channels of the peer.
func (s *Swarm) Connections() int { return len(s.peer.open) }

// OnConnection registers fn for every channel formed with this peer.
func (s *Swarm) OnConnection(fn func(*throttle.Endpoint, ConnectionInfo)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return s.conns.Add(func(c connection) { fn(c.endpoint, c.info) })
}

// PeerContext is what a behavior receives at launch.
type PeerContext struct {
	sim     *Simulator
	peer    *Peer
	storage afero.Fs
	log     logging.Logger
}

// ID returns the peer id.
func (c *PeerContext) ID() PeerID { return c.peer.id }

// Name returns the peer's role name.
func (c *PeerContext) Name() string { return c.peer.name }

// Storage returns the peer's private filesystem.
func (c *PeerContext) Storage() afero.Fs { return c.storage }

// Swarm returns the peer's discovery and connection handle.
func (c *PeerContext) Swarm() *Swarm { return c.peer.swarm }

// Logger returns a logger annotated with the peer identity.
func (c *PeerContext) Logger() logging.Logger { return c.log }

// Context returns a context carrying the simulation session.
func (c *PeerContext) Context() context.Context { return c.sim.ctx }

// Rand returns the simulation's random source.
func (c *PeerContext) Rand() *rand.Rand { return c.sim.rng }

// Now returns the current simulated time.
func (c *PeerContext) Now() time.Duration { return c.sim.now }

// Signal emits a custom telemetry event carrying fields plus the peer's
// name and id.
func (c *PeerContext) Signal(event string, fields telemetry.Fields) {
	out := make(telemetry.Fields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["name"] = c.peer.name
	out["id"] = uint64(c.peer.id)
	c.sim.emit(telemetry.TypeCustom, event, out)
}

// OnTick registers a hook invoked during the peer's bookkeeping on every
// tick while the peer is active.
func (c *PeerContext) OnTick(fn TickFunc) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return c.peer.hooks.Add(func(call *tickCall) {
		for k, v := range fn(call.iteration, call.delta) {
			if _, reserved := call.fields[k]; reserved {
				continue
			}
			call.fields[k] = v
		}
	})
}

// SetTimeout runs action after delay of simulated time.
func (c *PeerContext) SetTimeout(action func(), delay time.Duration) scheduler.CancelFunc {
	return c.sim.sched.SetTimeout(action, delay)
}

// Defer queues fn to run on the simulation loop. It is safe to call from
// any goroutine.
func (c *PeerContext) Defer(fn func()) {
	c.sim.post(fn)
}
