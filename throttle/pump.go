package throttle

import "context"

// Pump ticks ch with a fixed budget per iteration until both directions end,
// returning the accumulated totals. before, when non-nil, runs ahead of each
// tick with the iteration about to be processed; callers use it to advance
// the timer that releases latency-delayed writes.
//
// Pump returns the channel error recorded by Destroy, if any, once the
// channel is terminal, or ctx.Err() if ctx ends first.
func Pump(ctx context.Context, ch *Channel, budget int64, before func(iteration uint64)) (Result, error) {
	var total Result
	for iteration := ch.LastIteration() + 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if before != nil {
			before(iteration)
		}
		res := ch.Tick(iteration, budget)
		total.Rx += res.Rx
		total.Tx += res.Tx
		total.RxEnded = res.RxEnded
		total.TxEnded = res.TxEnded
		total.RxDrained = res.RxDrained
		total.TxDrained = res.TxDrained
		if res.Ended() {
			return total, ch.Err()
		}
	}
}
