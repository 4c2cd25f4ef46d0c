// Package discovery implements the virtual rendezvous service: peers
// register interest in topics and, on every tick, peers doing lookups are
// offered announced peers of the same topics as connection candidates.
package discovery

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/signalsfoundry/swarm-simulator/internal/logging"
)

var (
	// ErrPoolExhausted indicates that one side of a connection attempt has no
	// free connection slots.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrAlreadyConnected indicates that the two peers are the same peer or
	// already share an open channel.
	ErrAlreadyConnected = errors.New("already connected")
)

const (
	// DefaultLimit is the number of candidates offered per peer per tick.
	DefaultLimit = 5
	// DefaultKnownLimit bounds the remembered candidates per registration.
	DefaultKnownLimit = 1024
)

// PeerID identifies a registered peer.
type PeerID uint64

// JoinOptions selects the role a peer plays on a topic.
type JoinOptions struct {
	// Lookup makes the peer receive candidates announced on the topic.
	Lookup bool
	// Announce makes the peer discoverable by others looking up the topic.
	Announce bool
}

// DefaultJoinOptions both announces and looks up.
func DefaultJoinOptions() JoinOptions {
	return JoinOptions{Lookup: true, Announce: true}
}

// Connector realises an offered candidate as a live connection. It returns
// ErrPoolExhausted or ErrAlreadyConnected when admission fails.
type Connector interface {
	Connect(src, dst PeerID, topic string) error
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(src, dst PeerID, topic string) error

// Connect calls f.
func (f ConnectorFunc) Connect(src, dst PeerID, topic string) error { return f(src, dst, topic) }

// TickStats reports what one discovery tick did.
type TickStats struct {
	Offered          int
	Connected        int
	PoolExhausted    int
	AlreadyConnected int
	Failed           int
}

type registration struct {
	topic   string
	peer    PeerID
	opts    JoinOptions
	known   *lru.Cache[PeerID, struct{}]
	removed bool
}

type handle struct {
	id            PeerID
	lastIteration uint64
	topics        map[string]*registration
}

// Service is the discovery service. It is driven from the simulation loop
// and is not safe for concurrent use.
type Service struct {
	connector  Connector
	limit      int
	knownLimit int
	rng        *rand.Rand
	log        logging.Logger

	topics  map[string]map[PeerID]*registration
	handles map[PeerID]*handle
}

// Option customises a Service.
type Option func(*Service)

// WithLimit sets the per-peer per-tick discovery limit.
func WithLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithKnownLimit bounds how many candidates each registration remembers.
func WithKnownLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.knownLimit = n
		}
	}
}

// WithRand sets the randomness source used for candidate shuffling.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithLogger attaches a logger for unexpected connection failures.
func WithLogger(l logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a discovery service that realises candidates through c.
func New(c Connector, opts ...Option) *Service {
	s := &Service{
		connector:  c,
		limit:      DefaultLimit,
		knownLimit: DefaultKnownLimit,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		log:        logging.Noop(),
		topics:     make(map[string]map[PeerID]*registration),
		handles:    make(map[PeerID]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Limit returns the per-peer per-tick discovery limit.
func (s *Service) Limit() int { return s.limit }

// Register records peer's interest in topic. Registering again updates the
// options and keeps the remembered candidates.
func (s *Service) Register(topic string, peer PeerID, opts JoinOptions) {
	h := s.handles[peer]
	if h == nil {
		h = &handle{id: peer, topics: make(map[string]*registration)}
		s.handles[peer] = h
	}
	if reg := h.topics[topic]; reg != nil {
		reg.opts = opts
		return
	}

	// knownLimit is always positive, so lru.New cannot fail.
	known, _ := lru.New[PeerID, struct{}](s.knownLimit)
	reg := &registration{topic: topic, peer: peer, opts: opts, known: known}
	h.topics[topic] = reg

	members := s.topics[topic]
	if members == nil {
		members = make(map[PeerID]*registration)
		s.topics[topic] = members
	}
	members[peer] = reg
}

// Unregister removes peer from topic. It reports whether a registration was
// removed. It is safe to call from within a connection callback.
func (s *Service) Unregister(topic string, peer PeerID) bool {
	h := s.handles[peer]
	if h == nil {
		return false
	}
	reg := h.topics[topic]
	if reg == nil {
		return false
	}
	reg.removed = true
	delete(h.topics, topic)
	if len(h.topics) == 0 {
		delete(s.handles, peer)
	}
	if members := s.topics[topic]; members != nil {
		delete(members, peer)
		if len(members) == 0 {
			delete(s.topics, topic)
		}
	}
	return true
}

// UnregisterAll removes every registration of peer and returns how many were
// removed.
func (s *Service) UnregisterAll(peer PeerID) int {
	h := s.handles[peer]
	if h == nil {
		return 0
	}
	n := 0
	for _, topic := range sortedTopics(h) {
		if s.Unregister(topic, peer) {
			n++
		}
	}
	return n
}

// Registered reports whether peer is registered under topic.
func (s *Service) Registered(topic string, peer PeerID) bool {
	h := s.handles[peer]
	return h != nil && h.topics[topic] != nil
}

// Topics returns the sorted topics peer is registered under.
func (s *Service) Topics(peer PeerID) []string {
	h := s.handles[peer]
	if h == nil {
		return nil
	}
	return sortedTopics(h)
}

// Members returns the sorted peers registered under topic.
func (s *Service) Members(topic string) []PeerID {
	members := s.topics[topic]
	out := make([]PeerID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Forget drops a and b from each other's remembered candidates so they can
// be offered again, typically after their channel closed.
func (s *Service) Forget(a, b PeerID) {
	if h := s.handles[a]; h != nil {
		for _, reg := range h.topics {
			reg.known.Remove(b)
		}
	}
	if h := s.handles[b]; h != nil {
		for _, reg := range h.topics {
			reg.known.Remove(a)
		}
	}
}

// Tick runs one discovery round for iteration. Every peer not yet processed
// for this iteration is offered up to Limit candidates across its lookup
// topics; each offer is realised through the Connector immediately.
func (s *Service) Tick(iteration uint64, delta time.Duration) TickStats {
	var stats TickStats

	ids := make([]PeerID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	for _, id := range ids {
		h := s.handles[id]
		if h == nil || h.lastIteration >= iteration {
			continue
		}
		h.lastIteration = iteration
		s.lookup(h, &stats)
	}
	return stats
}

func (s *Service) lookup(h *handle, stats *TickStats) {
	remaining := s.limit
	for _, topic := range sortedTopics(h) {
		if remaining == 0 {
			return
		}
		reg := h.topics[topic]
		if reg == nil || reg.removed || !reg.opts.Lookup {
			continue
		}

		candidates := s.candidates(reg)
		s.rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})

		for _, dst := range candidates {
			if remaining == 0 || reg.removed {
				break
			}
			// A callback earlier in this round may have unregistered dst.
			if other := s.topics[topic][dst]; other == nil || !other.opts.Announce {
				continue
			}
			remaining--
			stats.Offered++

			err := s.connector.Connect(reg.peer, dst, topic)
			switch {
			case err == nil:
				reg.known.Add(dst, struct{}{})
				stats.Connected++
			case errors.Is(err, ErrAlreadyConnected):
				reg.known.Add(dst, struct{}{})
				stats.AlreadyConnected++
			case errors.Is(err, ErrPoolExhausted):
				// Not remembered: the candidate is eligible again later.
				stats.PoolExhausted++
			default:
				stats.Failed++
				s.log.Debug(context.Background(), "discovery connect failed",
					logging.String("topic", topic),
					logging.Any("src", reg.peer),
					logging.Any("dst", dst),
					logging.Err(err),
				)
			}
		}
	}
}

// candidates returns the announced peers of reg's topic that reg has not
// seen yet, excluding reg's own peer.
func (s *Service) candidates(reg *registration) []PeerID {
	members := s.topics[reg.topic]
	out := make([]PeerID, 0, len(members))
	for id, other := range members {
		if id == reg.peer || !other.opts.Announce || reg.known.Contains(id) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedTopics(h *handle) []string {
	out := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
