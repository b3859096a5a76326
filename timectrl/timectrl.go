package timectrl

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Components such
// as the bridge and the engine depend on it instead of on a concrete
// controller so tests can drive time by hand.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// Elapsed returns the simulated time since the controller start.
	Elapsed() time.Duration
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners return while still
	// stepping by Tick.
	Accelerated
)

// ParseMode maps a config string to a Mode. Unknown strings select RealTime.
func ParseMode(s string) Mode {
	if s == "accelerated" {
		return Accelerated
	}
	return RealTime
}

// Listener is invoked once per step with the new simulation time. A
// non-nil error stops the controller.
type Listener func(ctx context.Context, simTime time.Time) error

// ErrStopped is returned when the controller stopped because its context
// was cancelled.
var ErrStopped = errors.New("time controller stopped")

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns Now minus StartTime. Implements SimClock.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// SetTime moves the simulation clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every tick, in registration
// order.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Start runs the controller for the specified duration in a separate goroutine.
// The returned channel receives the result of Run and is then closed.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- tc.Run(ctx, duration)
	}()
	return done
}

// Run advances simulation time by Tick until duration has elapsed (forever
// when duration is zero), notifying listeners after every step. The first
// step fires at StartTime so listeners observe tick zero. Run returns the
// first listener error, ErrStopped when ctx is cancelled, or nil once the
// duration has been covered.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	if tc.Tick <= 0 {
		return errors.New("time controller tick must be positive")
	}

	tc.mu.Lock()
	simTime := tc.StartTime
	tc.currentTime = simTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	elapsed := time.Duration(0)
	for {
		if err := ctx.Err(); err != nil {
			return ErrStopped
		}
		for _, fn := range listeners {
			if err := fn(ctx, simTime); err != nil {
				return err
			}
		}
		if duration > 0 && elapsed >= duration {
			return nil
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ErrStopped
			case <-ticker.C:
			}
		}
		simTime = simTime.Add(tc.Tick)
		elapsed += tc.Tick

		tc.mu.Lock()
		tc.currentTime = simTime
		tc.mu.Unlock()
	}
}
