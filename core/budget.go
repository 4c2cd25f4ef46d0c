package core

import (
	"math"
	"time"
)

// peerBudget returns the bytes a peer may move over the tick, before the
// per-channel reserve: max(R, linkRate - R*open) scaled to delta.
func peerBudget(linkRate, reserved int64, open int, delta time.Duration) float64 {
	rate := float64(linkRate) - float64(reserved)*float64(open)
	if rate < float64(reserved) {
		rate = float64(reserved)
	}
	return rate * delta.Seconds()
}

// channelFloor is the minimum budget every open channel is granted per tick
// so that no channel starves under pool pressure.
func channelFloor(reserved int64, delta time.Duration) int64 {
	if reserved <= 0 || delta <= 0 {
		return 0
	}
	floor := int64(math.Floor(float64(reserved) * delta.Seconds()))
	if floor < 1 {
		floor = 1
	}
	return floor
}

// channelBudget grants a channel the smaller of its endpoints' remaining
// budgets, but never less than the floor.
func channelBudget(srcRemaining, dstRemaining float64, floor int64) int64 {
	b := math.Min(math.Max(srcRemaining, 0), math.Max(dstRemaining, 0))
	budget := int64(math.Floor(b))
	if budget < floor {
		budget = floor
	}
	return budget
}

// allowance is the most a peer can move over one tick: its budget plus the
// floor reserved for each of its open channels.
func allowance(budget float64, floor int64, open int) float64 {
	return budget + float64(floor)*float64(open)
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}
