package telemetry

import (
	"sort"
	"sync"
)

// PeerSnapshot is the last known state of one peer.
type PeerSnapshot struct {
	ID          uint64
	Name        string
	Rx          int64
	Tx          int64
	TotalRx     int64
	TotalTx     int64
	Load        float64
	Connections int64
	Age         int64
	State       string
	Ended       bool
	Error       string
}

// SocketSnapshot is the last known state of one channel.
type SocketSnapshot struct {
	ID      uint64
	Src     uint64
	Dst     uint64
	Rx      int64
	Tx      int64
	TotalRx int64
	TotalTx int64
	Load    float64
	Ended   bool
	Error   string
}

// SimulatorSnapshot is the last simulator tick.
type SimulatorSnapshot struct {
	State       string
	Iteration   uint64
	Time        int64
	Peers       int64
	Pending     int64
	Connections int64
	Capacity    float64
	Rate        float64
	Load        float64
}

// Snapshot is a point-in-time copy of an Aggregator.
type Snapshot struct {
	Simulator SimulatorSnapshot
	Peers     []PeerSnapshot
	Sockets   []SocketSnapshot
	Custom    map[string]int
}

// Aggregator reduces the event stream to the latest state per peer and per
// socket plus counts of custom events. It is safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	sim     SimulatorSnapshot
	peers   map[uint64]*PeerSnapshot
	sockets map[uint64]*SocketSnapshot
	custom  map[string]int
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		peers:   make(map[uint64]*PeerSnapshot),
		sockets: make(map[uint64]*SocketSnapshot),
		custom:  make(map[string]int),
	}
}

// Emit folds e into the aggregate.
func (a *Aggregator) Emit(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e.Type {
	case TypeSimulator:
		a.simulator(e)
	case TypePeer:
		a.peer(e)
	case TypeSocket:
		a.socket(e)
	case TypeCustom:
		a.custom[e.Event]++
	}
}

func (a *Aggregator) simulator(e Event) {
	a.sim.Iteration = e.Iteration
	a.sim.Time = e.Time
	if len(e.Event) > len(StatePrefix) && e.Event[:len(StatePrefix)] == StatePrefix {
		a.sim.State = e.Event[len(StatePrefix):]
		return
	}
	if e.Event != EventTick {
		return
	}
	a.sim.Peers = asInt(e.Fields["peers"])
	a.sim.Pending = asInt(e.Fields["pending"])
	a.sim.Connections = asInt(e.Fields["connections"])
	a.sim.Capacity = asFloat(e.Fields["capacity"])
	a.sim.Rate = asFloat(e.Fields["rate"])
	a.sim.Load = asFloat(e.Fields["load"])
}

func (a *Aggregator) peer(e Event) {
	id := uint64(asInt(e.Fields["id"]))
	p := a.peers[id]
	if p == nil {
		p = &PeerSnapshot{ID: id}
		a.peers[id] = p
	}
	if name, ok := e.Fields["name"].(string); ok {
		p.Name = name
	}
	switch e.Event {
	case EventTick:
		p.Rx = asInt(e.Fields["rx"])
		p.Tx = asInt(e.Fields["tx"])
		p.TotalRx += p.Rx
		p.TotalTx += p.Tx
		p.Load = asFloat(e.Fields["load"])
		p.Connections = asInt(e.Fields["connectionCount"])
		p.Age = asInt(e.Fields["age"])
		if state, ok := e.Fields["state"].(string); ok {
			p.State = state
		}
	case EventEnd:
		p.Ended = true
		p.Error = asString(e.Fields["error"])
	}
}

func (a *Aggregator) socket(e Event) {
	id := uint64(asInt(e.Fields["id"]))
	s := a.sockets[id]
	if s == nil {
		s = &SocketSnapshot{ID: id}
		a.sockets[id] = s
	}
	if _, ok := e.Fields["src"]; ok {
		s.Src = uint64(asInt(e.Fields["src"]))
		s.Dst = uint64(asInt(e.Fields["dst"]))
	}
	switch e.Event {
	case EventTick:
		s.Rx = asInt(e.Fields["rx"])
		s.Tx = asInt(e.Fields["tx"])
		s.TotalRx += s.Rx
		s.TotalTx += s.Tx
		s.Load = asFloat(e.Fields["load"])
	case EventEnd:
		s.Ended = true
		s.Error = asString(e.Fields["error"])
	}
}

// Peer returns a copy of the last known state of peer id.
func (a *Aggregator) Peer(id uint64) (PeerSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.peers[id]
	if !ok {
		return PeerSnapshot{}, false
	}
	return *p, true
}

// Socket returns a copy of the last known state of socket id.
func (a *Aggregator) Socket(id uint64) (SocketSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sockets[id]
	if !ok {
		return SocketSnapshot{}, false
	}
	return *s, true
}

// Snapshot returns copies of everything aggregated so far, peers and sockets
// ordered by id.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := Snapshot{
		Simulator: a.sim,
		Peers:     make([]PeerSnapshot, 0, len(a.peers)),
		Sockets:   make([]SocketSnapshot, 0, len(a.sockets)),
		Custom:    make(map[string]int, len(a.custom)),
	}
	for _, p := range a.peers {
		out.Peers = append(out.Peers, *p)
	}
	for _, s := range a.sockets {
		out.Sockets = append(out.Sockets, *s)
	}
	for k, v := range a.custom {
		out.Custom[k] = v
	}
	sort.Slice(out.Peers, func(i, j int) bool { return out.Peers[i].ID < out.Peers[j].ID })
	sort.Slice(out.Sockets, func(i, j int) bool { return out.Sockets[i].ID < out.Sockets[j].ID })
	return out
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	default:
		return float64(asInt(v))
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case error:
		return t.Error()
	default:
		return ""
	}
}
