package behavior

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/signalsfoundry/swarm-simulator/scheduler"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/throttle"
)

type fakeHost struct {
	fs      afero.Fs
	rng     *rand.Rand
	sched   *scheduler.Scheduler
	signals []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		fs:    afero.NewMemMapFs(),
		rng:   rand.New(rand.NewSource(1)),
		sched: scheduler.New(scheduler.Synchronous),
	}
}

func (h *fakeHost) Storage() afero.Fs                       { return h.fs }
func (h *fakeHost) Rand() *rand.Rand                        { return h.rng }
func (h *fakeHost) Signal(event string, _ telemetry.Fields) { h.signals = append(h.signals, event) }

func (h *fakeHost) SetTimeout(fn func(), d time.Duration) scheduler.CancelFunc {
	return h.sched.SetTimeout(fn, d)
}

func mustEncode(t *testing.T, m message) []byte {
	t.Helper()
	b, err := encode(m)
	if err != nil {
		t.Fatalf("encode(%s) error = %v", m.Kind, err)
	}
	return b
}

// collect decodes everything delivered to e.
func collect(t *testing.T, e *throttle.Endpoint) *[]message {
	t.Helper()
	var got []message
	e.OnData(func(b []byte) {
		m, err := decode(b)
		if err != nil {
			t.Errorf("decode() error = %v", err)
			return
		}
		got = append(got, m)
	})
	return &got
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := decode([]byte{0xc1}); err == nil {
		t.Fatalf("decode(garbage) succeeded")
	}
	b, err := encode(message{Kind: kind(42)})
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if _, err := decode(b); err == nil {
		t.Fatalf("decode(unknown kind) succeeded")
	}
}

func TestReplica_ServesWantsAndMisses(t *testing.T) {
	h := newFakeHost()
	r, err := newReplica(h, Config{Blocks: 3, BlockSize: 4}.withDefaults())
	if err != nil {
		t.Fatalf("newReplica() error = %v", err)
	}
	for seq := 0; seq < 3; seq++ {
		if err := r.put(seq, []byte{byte(seq), byte(seq)}); err != nil {
			t.Fatalf("put(%d) error = %v", seq, err)
		}
	}

	ch := throttle.New(1)
	r.attach(ch.A())
	got := collect(t, ch.B())
	_ = ch.B().Write(mustEncode(t, message{Kind: kindWant, Seq: 1}))
	_ = ch.B().Write(mustEncode(t, message{Kind: kindWant, Seq: 7}))
	for i := uint64(1); i <= 3; i++ {
		ch.Tick(i, 1<<20)
	}

	want := []message{
		{Kind: kindHave, Have: []int{0, 1, 2}},
		{Kind: kindBlock, Seq: 1, Data: []byte{1, 1}},
		{Kind: kindMiss, Seq: 7},
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestReplica_MissIsRetriedElsewhere(t *testing.T) {
	h := newFakeHost()
	r, err := newReplica(h, Config{Blocks: 2, Parallel: 1, RetryDelay: time.Second}.withDefaults())
	if err != nil {
		t.Fatalf("newReplica() error = %v", err)
	}
	completed := false
	r.complete = func() { completed = true }

	ch := throttle.New(1)
	r.attach(ch.A())

	var wants []int
	ch.B().OnData(func(b []byte) {
		m, err := decode(b)
		if err != nil || m.Kind != kindWant {
			return
		}
		wants = append(wants, m.Seq)
		if len(wants) == 1 {
			_ = ch.B().Write(mustEncode(t, message{Kind: kindMiss, Seq: m.Seq}))
			return
		}
		_ = ch.B().Write(mustEncode(t, message{Kind: kindBlock, Seq: m.Seq, Data: []byte("x")}))
	})
	_ = ch.B().Write(mustEncode(t, message{Kind: kindHave, Have: []int{0, 1}}))

	iteration := uint64(0)
	tick := func() {
		iteration++
		ch.Tick(iteration, 1<<20)
	}
	for i := 0; i < 3; i++ {
		tick()
	}
	if len(wants) != 1 {
		t.Fatalf("wants before retry = %v, want exactly one", wants)
	}

	h.sched.AdvanceTo(time.Second)
	for i := 0; i < 3; i++ {
		tick()
	}
	if len(wants) != 2 || wants[0] == wants[1] {
		t.Fatalf("wants = %v, want the other block after the miss", wants)
	}
	if r.count != 1 || !r.have[wants[1]] {
		t.Fatalf("replica holds %v, want block %d", r.have, wants[1])
	}
	if completed {
		t.Fatalf("replica completed with a block missing")
	}
	if diff := cmp.Diff([]string{"ondownload"}, h.signals); diff != "" {
		t.Fatalf("signals mismatch (-want +got):\n%s", diff)
	}
}

func TestReplica_ProtocolErrorDestroysChannel(t *testing.T) {
	h := newFakeHost()
	r, err := newReplica(h, Config{Blocks: 1}.withDefaults())
	if err != nil {
		t.Fatalf("newReplica() error = %v", err)
	}
	ch := throttle.New(1)
	w := r.attach(ch.A())
	_ = ch.B().Write([]byte{0xc1})
	ch.Tick(1, 1<<20)

	if !w.closed {
		t.Fatalf("wire still open after a protocol error")
	}
	if ch.Err() == nil {
		t.Fatalf("channel error not recorded")
	}
	if len(r.wires) != 0 {
		t.Fatalf("wires = %d, want 0", len(r.wires))
	}
	if diff := cmp.Diff([]string{"proto-error"}, h.signals); diff != "" {
		t.Fatalf("signals mismatch (-want +got):\n%s", diff)
	}
}
