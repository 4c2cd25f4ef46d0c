package behavior

import (
	"fmt"
	"math/rand"
	"path"
	"time"

	"github.com/spf13/afero"

	"github.com/signalsfoundry/swarm-simulator/scheduler"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/throttle"
)

const blockDir = "/blocks"

// host is the part of a peer context the replication protocol needs.
// *core.PeerContext implements it.
type host interface {
	Storage() afero.Fs
	Rand() *rand.Rand
	Signal(event string, fields telemetry.Fields)
	SetTimeout(action func(), delay time.Duration) scheduler.CancelFunc
}

// replica holds one peer's copy of the block log and its open wires.
type replica struct {
	host host
	cfg  Config

	have      []bool
	count     int
	requested map[int]bool
	wires     map[*wire]struct{}

	// complete runs once when every block is held.
	complete func()
}

func newReplica(h host, cfg Config) (*replica, error) {
	if err := h.Storage().MkdirAll(blockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create block directory: %w", err)
	}
	return &replica{
		host:      h,
		cfg:       cfg,
		have:      make([]bool, cfg.Blocks),
		requested: make(map[int]bool),
		wires:     make(map[*wire]struct{}),
	}, nil
}

func blockPath(seq int) string {
	return path.Join(blockDir, fmt.Sprintf("%06d", seq))
}

func (r *replica) valid(seq int) bool { return seq >= 0 && seq < len(r.have) }

func (r *replica) done() bool { return r.count == len(r.have) }

func (r *replica) held() []int {
	out := make([]int, 0, r.count)
	for seq, ok := range r.have {
		if ok {
			out = append(out, seq)
		}
	}
	return out
}

// put stores a block without announcing it.
func (r *replica) put(seq int, data []byte) error {
	if !r.valid(seq) {
		return fmt.Errorf("block %d out of range", seq)
	}
	if r.have[seq] {
		return nil
	}
	if err := afero.WriteFile(r.host.Storage(), blockPath(seq), data, 0o644); err != nil {
		return fmt.Errorf("store block %d: %w", seq, err)
	}
	r.have[seq] = true
	r.count++
	return nil
}

func (r *replica) read(seq int) ([]byte, bool) {
	if !r.valid(seq) || !r.have[seq] {
		return nil, false
	}
	data, err := afero.ReadFile(r.host.Storage(), blockPath(seq))
	if err != nil {
		return nil, false
	}
	return data, true
}

// downloaded stores a block received from a wire, announces it to every
// other wire and completes the replica once the log is whole.
func (r *replica) downloaded(seq int, data []byte) {
	if !r.valid(seq) || r.have[seq] {
		return
	}
	if err := r.put(seq, data); err != nil {
		r.host.Signal("storage-error", telemetry.Fields{"seq": seq, "error": err.Error()})
		return
	}
	r.host.Signal("ondownload", telemetry.Fields{"seq": seq, "downloaded": r.count})
	for w := range r.wires {
		w.send(message{Kind: kindHave, Have: []int{seq}})
	}
	if r.done() && r.complete != nil {
		complete := r.complete
		r.complete = nil
		complete()
	}
}

// attach runs the protocol over e.
func (r *replica) attach(e *throttle.Endpoint) *wire {
	w := &wire{
		r:        r,
		e:        e,
		remote:   make([]bool, len(r.have)),
		inflight: make(map[int]bool),
	}
	r.wires[w] = struct{}{}
	e.OnData(w.receive)
	e.OnEnd(w.close)
	w.send(message{Kind: kindHave, Have: r.held()})
	return w
}

func (r *replica) requestAll() {
	for w := range r.wires {
		w.request()
	}
}

// wire is the protocol state of one connection.
type wire struct {
	r        *replica
	e        *throttle.Endpoint
	remote   []bool
	inflight map[int]bool
	closed   bool
}

func (w *wire) send(m message) {
	if w.closed {
		return
	}
	b, err := encode(m)
	if err == nil {
		err = w.e.Write(b)
	}
	if err != nil {
		w.r.host.Signal("sock-error", telemetry.Fields{"error": err.Error()})
		w.close()
	}
}

func (w *wire) receive(b []byte) {
	if w.closed {
		return
	}
	m, err := decode(b)
	if err != nil {
		w.r.host.Signal("proto-error", telemetry.Fields{"error": err.Error()})
		w.e.Destroy(err)
		w.close()
		return
	}

	switch m.Kind {
	case kindHave:
		for _, seq := range m.Have {
			if w.r.valid(seq) {
				w.remote[seq] = true
			}
		}
		w.request()
	case kindWant:
		if data, ok := w.r.read(m.Seq); ok {
			w.send(message{Kind: kindBlock, Seq: m.Seq, Data: data})
		} else {
			w.send(message{Kind: kindMiss, Seq: m.Seq})
		}
	case kindBlock:
		w.release(m.Seq)
		w.r.downloaded(m.Seq, m.Data)
		w.request()
	case kindMiss:
		w.release(m.Seq)
		if w.r.valid(m.Seq) {
			w.remote[m.Seq] = false
		}
		w.r.host.SetTimeout(w.r.requestAll, w.r.cfg.RetryDelay)
	}
}

func (w *wire) release(seq int) {
	if w.inflight[seq] {
		delete(w.inflight, seq)
		delete(w.r.requested, seq)
	}
}

// request keeps up to Parallel wants outstanding, choosing randomly among
// the blocks the remote has and nobody is fetching yet.
func (w *wire) request() {
	r := w.r
	for !w.closed && !r.done() && len(w.inflight) < r.cfg.Parallel {
		var candidates []int
		for seq, ok := range w.remote {
			if ok && !r.have[seq] && !r.requested[seq] {
				candidates = append(candidates, seq)
			}
		}
		if len(candidates) == 0 {
			return
		}
		seq := candidates[r.host.Rand().Intn(len(candidates))]
		w.inflight[seq] = true
		r.requested[seq] = true
		w.send(message{Kind: kindWant, Seq: seq})
	}
}

// close drops the wire and hands its outstanding requests to the others.
func (w *wire) close() {
	if w.closed {
		return
	}
	w.closed = true
	delete(w.r.wires, w)
	for seq := range w.inflight {
		delete(w.r.requested, seq)
	}
	w.inflight = nil
	w.e.End()
	w.r.requestAll()
}
