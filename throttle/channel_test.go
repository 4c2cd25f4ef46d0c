package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/swarm-simulator/scheduler"
)

func collect(e *Endpoint) (*[]string, *bool) {
	var got []string
	ended := false
	e.OnData(func(p []byte) { got = append(got, string(p)) })
	e.OnEnd(func() { ended = true })
	return &got, &ended
}

func TestChannel_RawTransfer(t *testing.T) {
	ch := New(1)
	fromA, aEnded := collect(ch.A())
	fromB, bEnded := collect(ch.B())

	lseq := []string{"ett", "två", "tre", "fyr"}
	rseq := []string{"alpha", "bravo", "gamma", "delta"}
	for _, m := range lseq {
		if err := ch.A().Write([]byte(m)); err != nil {
			t.Fatalf("A.Write(%q) error = %v", m, err)
		}
	}
	ch.A().End()
	for _, m := range rseq {
		if err := ch.B().Write([]byte(m)); err != nil {
			t.Fatalf("B.Write(%q) error = %v", m, err)
		}
	}
	ch.B().End()

	total, err := Pump(context.Background(), ch, 1000, nil)
	if err != nil {
		t.Fatalf("Pump error = %v", err)
	}
	if !total.Ended() {
		t.Fatalf("Pump returned before both directions ended: %+v", total)
	}

	if diff := cmp.Diff(lseq, *fromB); diff != "" {
		t.Fatalf("B received (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(rseq, *fromA); diff != "" {
		t.Fatalf("A received (-want +got):\n%s", diff)
	}
	if !*aEnded || !*bEnded {
		t.Fatalf("end not observed: aEnded=%v bEnded=%v", *aEnded, *bEnded)
	}
	for _, side := range []Side{SideA, SideB} {
		if w, d := ch.BytesWritten(side), ch.BytesDelivered(side); w != d {
			t.Fatalf("side %s written=%d delivered=%d, want equal after drain", side, w, d)
		}
	}
}

func TestChannel_CarryAcrossTicks(t *testing.T) {
	ch := New(1)
	got, _ := collect(ch.B())
	if err := ch.A().Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write error = %v", err)
	}

	wantTx := []int64{3, 3, 3, 1}
	for i, want := range wantTx {
		res := ch.Tick(uint64(i+1), 3)
		if res.Tx != want {
			t.Fatalf("tick %d Tx = %d, want %d", i+1, res.Tx, want)
		}
		if i < len(wantTx)-1 && len(*got) != 0 {
			t.Fatalf("chunk delivered early on tick %d", i+1)
		}
		if ch.BytesDelivered(SideA) > ch.BytesWritten(SideA) {
			t.Fatalf("delivered %d exceeds written %d", ch.BytesDelivered(SideA), ch.BytesWritten(SideA))
		}
	}
	if diff := cmp.Diff([]string{"0123456789"}, *got); diff != "" {
		t.Fatalf("delivered chunks (-want +got):\n%s", diff)
	}
}

func TestChannel_TickIdempotentPerIteration(t *testing.T) {
	ch := New(1)
	for i := 0; i < 4; i++ {
		_ = ch.A().Write([]byte("abcd"))
	}

	first := ch.Tick(1, 8)
	if first.Tx != 8 || first.Idle {
		t.Fatalf("first tick = %+v, want Tx=8 and not idle", first)
	}
	again := ch.Tick(1, 8)
	if again.Moved() != 0 || !again.Idle {
		t.Fatalf("repeated tick = %+v, want idle with no movement", again)
	}
	older := ch.Tick(0, 8)
	if older.Moved() != 0 || !older.Idle {
		t.Fatalf("older tick = %+v, want idle with no movement", older)
	}
	if ch.LastIteration() != 1 {
		t.Fatalf("LastIteration() = %d, want 1", ch.LastIteration())
	}
}

func TestChannel_DirectionsShareBudget(t *testing.T) {
	ch := New(1)
	_ = ch.A().Write([]byte("12345"))
	_ = ch.B().Write([]byte("abcde"))

	res := ch.Tick(1, 5)
	if res.Moved() != 5 {
		t.Fatalf("tick 1 moved %d, want 5 (one shared budget)", res.Moved())
	}
	res = ch.Tick(2, 5)
	if res.Moved() != 5 {
		t.Fatalf("tick 2 moved %d, want 5", res.Moved())
	}
	if ch.BytesDelivered(SideA) != 5 || ch.BytesDelivered(SideB) != 5 {
		t.Fatalf("delivered a=%d b=%d, want 5 each", ch.BytesDelivered(SideA), ch.BytesDelivered(SideB))
	}
}

func TestChannel_EmptyChunkIsNotEnd(t *testing.T) {
	ch := New(1)
	got, ended := collect(ch.B())
	_ = ch.A().Write(nil)

	res := ch.Tick(1, 0)
	if len(*got) != 1 || (*got)[0] != "" {
		t.Fatalf("received %q, want a single empty chunk", *got)
	}
	if *ended || res.TxEnded {
		t.Fatalf("empty chunk ended the stream")
	}
}

func TestChannel_Latency(t *testing.T) {
	sched := scheduler.New(scheduler.Synchronous)
	ch := New(1, WithLatency(sched, 100*time.Millisecond))
	got, _ := collect(ch.B())

	_ = ch.A().Write([]byte("late"))
	ch.A().End()

	sched.AdvanceTo(50 * time.Millisecond)
	if res := ch.Tick(1, 1000); res.Moved() != 0 || len(*got) != 0 {
		t.Fatalf("data delivered before latency elapsed: %+v", res)
	}

	sched.AdvanceTo(100 * time.Millisecond)
	res := ch.Tick(2, 1000)
	if res.Tx != 4 || !res.TxEnded {
		t.Fatalf("tick after latency = %+v, want Tx=4 and TxEnded", res)
	}
	if diff := cmp.Diff([]string{"late"}, *got); diff != "" {
		t.Fatalf("delivered chunks (-want +got):\n%s", diff)
	}
}

func TestChannel_WriteAfterEnd(t *testing.T) {
	ch := New(1)
	ch.A().End()
	ch.A().End()
	if err := ch.A().Write([]byte("x")); !errors.Is(err, ErrWriteAfterEnd) {
		t.Fatalf("Write after End error = %v, want ErrWriteAfterEnd", err)
	}
}

func TestChannel_GracefulEndBothSides(t *testing.T) {
	ch := New(1)
	_ = ch.A().Write([]byte("A ending"))
	ch.A().End()
	_ = ch.B().Write([]byte("B ending"))
	ch.B().End()

	if _, err := Pump(context.Background(), ch, 1000, nil); err != nil {
		t.Fatalf("Pump error = %v", err)
	}
	if res := ch.Tick(ch.LastIteration()+1, 1000); !res.Idle || !res.Ended() {
		t.Fatalf("tick on terminal channel = %+v, want idle and ended", res)
	}
}

func TestChannel_RemoteDestroyedWithoutError(t *testing.T) {
	ch := New(1)
	_ = ch.A().Write([]byte("A ending"))
	_ = ch.B().Write([]byte("B ending"))
	ch.B().Destroy(nil)

	fromB, aEnded := collect(ch.A())
	total, err := Pump(context.Background(), ch, 1000, nil)
	if err != nil {
		t.Fatalf("Pump error = %v", err)
	}
	if !*aEnded {
		t.Fatalf("A did not observe the end of B's stream")
	}
	if diff := cmp.Diff([]string{"B ending"}, *fromB); diff != "" {
		t.Fatalf("A received (-want +got):\n%s", diff)
	}
	if total.Tx != 0 {
		t.Fatalf("bytes delivered to destroyed side = %d, want 0", total.Tx)
	}
	if err := ch.B().Write([]byte("more")); !errors.Is(err, ErrWriteAfterEnd) {
		t.Fatalf("Write after Destroy error = %v, want ErrWriteAfterEnd", err)
	}
}

func TestChannel_RemoteDestroyedWithError(t *testing.T) {
	ch := New(1)
	_ = ch.A().Write([]byte("A ending"))
	_ = ch.B().Write([]byte("B ending"))
	ch.B().Destroy(errors.New("bob"))

	_, err := Pump(context.Background(), ch, 1000, nil)
	if err == nil || err.Error() != "bob" {
		t.Fatalf("Pump error = %v, want bob", err)
	}
	if ch.Err() == nil {
		t.Fatalf("channel did not record the destroy error")
	}
}

func TestPump_StopsOnContext(t *testing.T) {
	ch := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	iterations := 0
	_, err := Pump(ctx, ch, 10, func(uint64) {
		iterations++
		if iterations == 3 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Pump error = %v, want context.Canceled", err)
	}
}
