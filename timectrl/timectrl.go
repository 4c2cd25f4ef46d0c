package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time, expressed as the
// time elapsed since the simulation started. Components depend on it rather
// than on a concrete controller so they can be driven by hand in tests.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Duration
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime waits Interval of wall time between ticks and advances the
	// simulation by the measured wall time scaled by Speed.
	RealTime Mode = iota
	// Accelerated runs ticks back to back, advancing by Interval·Speed.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// Listener is invoked on every tick with the new simulation time and the
// amount it advanced by.
type Listener func(now, delta time.Duration)

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu       sync.RWMutex
	Interval time.Duration
	Speed    float64
	Mode     Mode

	// current tracks the simulation time reached so far.
	current time.Duration

	listeners []Listener
	stop      chan struct{}
	stopOnce  sync.Once

	// wall returns the wall-clock time; replaced in tests.
	wall func() time.Time
}

// NewTimeController constructs a controller. A non-positive speed is
// treated as 1.
func NewTimeController(interval time.Duration, speed float64, mode Mode) *TimeController {
	if speed <= 0 {
		speed = 1
	}
	return &TimeController{
		Interval: interval,
		Speed:    speed,
		Mode:     mode,
		stop:     make(chan struct{}),
		wall:     time.Now,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances simulation time by delta and notifies listeners on the
// calling goroutine.
func (tc *TimeController) Step(delta time.Duration) {
	if delta < 0 {
		delta = 0
	}
	tc.mu.Lock()
	tc.current += delta
	now := tc.current
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now, delta)
	}
}

// Stop ends a running Start loop after the current tick. It is safe to call
// from a listener and more than once.
func (tc *TimeController) Stop() {
	tc.stopOnce.Do(func() { close(tc.stop) })
}

func (tc *TimeController) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * tc.Speed)
}

// Start runs the controller in a separate goroutine until ctx is done, Stop
// is called, or duration of simulation time has elapsed (duration <= 0 means
// no limit). It returns a channel that is closed when the controller
// finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		limitReached := func() bool {
			return duration > 0 && tc.Now() >= duration
		}

		if tc.Mode == Accelerated {
			delta := tc.scaled(tc.Interval)
			for !limitReached() {
				select {
				case <-ctx.Done():
					return
				case <-tc.stop:
					return
				default:
				}
				tc.Step(delta)
			}
			return
		}

		ticker := time.NewTicker(tc.Interval)
		defer ticker.Stop()

		last := tc.wall()
		for !limitReached() {
			select {
			case <-ctx.Done():
				return
			case <-tc.stop:
				return
			case <-ticker.C:
			}
			now := tc.wall()
			elapsed := now.Sub(last)
			last = now
			tc.Step(tc.scaled(elapsed))
		}
	}()
	return done
}
