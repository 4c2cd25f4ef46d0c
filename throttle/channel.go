// Package throttle models a single simulated connection: two one-directional
// byte queues whose delivery is metered by a per-tick byte budget handed out
// by the simulator.
package throttle

import (
	"errors"
	"time"

	"github.com/signalsfoundry/swarm-simulator/internal/listeners"
	"github.com/signalsfoundry/swarm-simulator/scheduler"
)

var (
	// ErrWriteAfterEnd is returned when writing to an endpoint whose outgoing
	// direction has already been ended.
	ErrWriteAfterEnd = errors.New("write after end")
)

// Timer delays latency-bound writes. *scheduler.Scheduler satisfies it.
type Timer interface {
	SetTimeout(action func(), delay time.Duration) scheduler.CancelFunc
}

// Side names one of the two endpoints of a channel.
type Side int

const (
	// SideA is the initiating endpoint.
	SideA Side = iota
	// SideB is the accepting endpoint.
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "a"
	}
	return "b"
}

// Result summarises one call to Tick. Rx counts bytes delivered to side A,
// Tx bytes delivered to side B.
type Result struct {
	Rx        int64
	Tx        int64
	RxEnded   bool
	TxEnded   bool
	RxDrained bool
	TxDrained bool
	// Idle is set when the call moved nothing because the iteration was
	// already processed or the channel is terminal.
	Idle bool
}

// Moved returns the bytes moved in both directions.
func (r Result) Moved() int64 { return r.Rx + r.Tx }

// Ended reports whether both directions have ended.
func (r Result) Ended() bool { return r.RxEnded && r.TxEnded }

type chunk struct {
	data []byte
	end  bool
}

type direction struct {
	queue []chunk
	carry int64

	written   int64
	delivered int64

	// closed is set once the writer enqueued the end sentinel or destroyed
	// its endpoint; ended once the sentinel was consumed or the receiver
	// went away.
	closed bool
	ended  bool

	receiver *Endpoint
}

func (d *direction) push(c chunk) {
	if d.ended {
		return
	}
	d.queue = append(d.queue, c)
}

func (d *direction) pop() chunk {
	c := d.queue[0]
	d.queue[0] = chunk{}
	d.queue = d.queue[1:]
	return c
}

// Channel is a bidirectional throttled connection between endpoints A and B.
// It is driven by Tick from the simulation loop and is not safe for
// concurrent use.
type Channel struct {
	id      uint64
	timer   Timer
	latency time.Duration

	a, b *Endpoint

	toA direction // written by B
	toB direction // written by A

	lastIteration uint64
	err           error
}

// Option customises Channel construction.
type Option func(*Channel)

// WithLatency delays every write by d before it becomes eligible for
// delivery. Latency requires a timer; without one writes are immediate.
func WithLatency(timer Timer, d time.Duration) Option {
	return func(c *Channel) {
		c.timer = timer
		c.latency = d
	}
}

// New creates an open channel with the given id.
func New(id uint64, opts ...Option) *Channel {
	c := &Channel{id: id}
	c.a = &Endpoint{ch: c, side: SideA}
	c.b = &Endpoint{ch: c, side: SideB}
	c.toA.receiver = c.a
	c.toB.receiver = c.b
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ID returns the channel id.
func (c *Channel) ID() uint64 { return c.id }

// Latency returns the configured per-write latency.
func (c *Channel) Latency() time.Duration { return c.latency }

// A returns the initiating endpoint.
func (c *Channel) A() *Endpoint { return c.a }

// B returns the accepting endpoint.
func (c *Channel) B() *Endpoint { return c.b }

// LastIteration returns the most recent iteration processed by Tick.
func (c *Channel) LastIteration() uint64 { return c.lastIteration }

// Ended reports whether both directions have ended.
func (c *Channel) Ended() bool { return c.toA.ended && c.toB.ended }

// Err returns the first error passed to Destroy on either endpoint.
func (c *Channel) Err() error { return c.err }

// BytesWritten returns the bytes written by the endpoint on side from.
func (c *Channel) BytesWritten(from Side) int64 { return c.outgoing(from).written }

// BytesDelivered returns the bytes of side from's writes delivered so far,
// including partially delivered chunks.
func (c *Channel) BytesDelivered(from Side) int64 { return c.outgoing(from).delivered }

func (c *Channel) outgoing(from Side) *direction {
	if from == SideA {
		return &c.toB
	}
	return &c.toA
}

func (c *Channel) incoming(to Side) *direction {
	if to == SideA {
		return &c.toA
	}
	return &c.toB
}

func (c *Channel) enqueue(d *direction, ch chunk) {
	if c.timer == nil || c.latency <= 0 {
		d.push(ch)
		return
	}
	c.timer.SetTimeout(func() { d.push(ch) }, c.latency)
}

// Tick delivers queued data with a budget shared by both directions.
// Calling it again for an iteration not newer than the last processed one,
// or on a terminal channel, returns an Idle result.
func (c *Channel) Tick(iteration uint64, budget int64) Result {
	res := Result{Idle: true}
	if c.Ended() || iteration <= c.lastIteration {
		c.fillState(&res)
		return res
	}
	c.lastIteration = iteration
	res.Idle = false
	if budget < 0 {
		budget = 0
	}

	rxDone, txDone := false, false
	for !rxDone || !txDone {
		if !rxDone {
			rxDone = c.step(&c.toA, &budget, &res.Rx)
		}
		if !txDone {
			txDone = c.step(&c.toB, &budget, &res.Tx)
		}
	}

	c.fillState(&res)
	return res
}

func (c *Channel) fillState(res *Result) {
	res.RxEnded = c.toA.ended
	res.TxEnded = c.toB.ended
	res.RxDrained = len(c.toA.queue) == 0
	res.TxDrained = len(c.toB.queue) == 0
}

// step moves at most one chunk of d and reports whether d is done for this
// tick.
func (c *Channel) step(d *direction, budget, moved *int64) bool {
	if d.ended || len(d.queue) == 0 {
		return true
	}
	head := d.queue[0]
	if head.end {
		d.pop()
		d.ended = true
		d.queue = nil
		d.receiver.ends.Emit(struct{}{})
		return true
	}

	n := int64(len(head.data))
	if n > *budget+d.carry {
		// Partial delivery; the same head chunk is revisited next tick.
		d.carry += *budget
		d.delivered += *budget
		*moved += *budget
		*budget = 0
		return true
	}

	n -= d.carry
	d.carry = 0
	*budget -= n
	*moved += n
	d.delivered += n
	d.pop()
	d.receiver.data.Emit(head.data)
	return false
}

// Endpoint is one side of a Channel. Writes go to the remote side; data
// written by the remote side is delivered to OnData listeners.
type Endpoint struct {
	ch   *Channel
	side Side

	data listeners.List[[]byte]
	ends listeners.List[struct{}]
}

// Channel returns the channel this endpoint belongs to.
func (e *Endpoint) Channel() *Channel { return e.ch }

// Side returns which side of the channel this endpoint is.
func (e *Endpoint) Side() Side { return e.side }

// Remote returns the opposite endpoint.
func (e *Endpoint) Remote() *Endpoint {
	if e.side == SideA {
		return e.ch.b
	}
	return e.ch.a
}

// Write queues a copy of p for delivery to the remote side. An empty p is a
// valid, zero-length chunk.
func (e *Endpoint) Write(p []byte) error {
	out := e.ch.outgoing(e.side)
	if out.closed {
		return ErrWriteAfterEnd
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	out.written += int64(len(buf))
	e.ch.enqueue(out, chunk{data: buf})
	return nil
}

// End signals that no more data will be written in this direction. Ending
// twice is a no-op.
func (e *Endpoint) End() {
	out := e.ch.outgoing(e.side)
	if out.closed {
		return
	}
	out.closed = true
	e.ch.enqueue(out, chunk{end: true})
}

// Destroy ends the outgoing direction and discards anything still queued
// towards this endpoint. A non-nil err is recorded on the channel.
func (e *Endpoint) Destroy(err error) {
	if err != nil && e.ch.err == nil {
		e.ch.err = err
	}
	e.End()
	in := e.ch.incoming(e.side)
	in.ended = true
	in.closed = true
	in.queue = nil
	in.carry = 0
}

// Ended reports whether the incoming direction has ended.
func (e *Endpoint) Ended() bool { return e.ch.incoming(e.side).ended }

// OnData registers fn for chunks delivered to this endpoint.
func (e *Endpoint) OnData(fn func([]byte)) (remove func()) { return e.data.Add(fn) }

// OnEnd registers fn for the end of the incoming direction.
func (e *Endpoint) OnEnd(fn func()) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return e.ends.Add(func(struct{}) { fn() })
}
