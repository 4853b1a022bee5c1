// Package timectrl drives the step loop of a simulation: it hands out
// consecutive slices of integer steps to an update function and keeps track
// of the simulated time reached.
package timectrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Clock reports the simulated time reached so far.
type Clock interface {
	// Step is the first step that has not been simulated yet.
	Step() int64
	// Now is the simulated time at Step.
	Now() time.Duration
}

// Mode describes how the controller paces the loop.
type Mode int

const (
	// RealTime waits Tick of wall-clock time between slices.
	RealTime Mode = iota
	// Accelerated runs slices back to back.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "realtime" and "accelerated".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "realtime", "real-time":
		return RealTime, nil
	case "accelerated", "":
		return Accelerated, nil
	default:
		return 0, fmt.Errorf("timectrl: unknown mode %q", s)
	}
}

// StepFunc advances the simulation over the steps [from, to).
type StepFunc func(ctx context.Context, from, to int64) error

// Controller runs a StepFunc in slices of SliceSteps steps. It implements
// Clock.
type Controller struct {
	mu sync.RWMutex

	// Resolution is the simulated duration of one step.
	Resolution time.Duration
	// SliceSteps is the number of steps handed to the StepFunc at once;
	// the minimum delay of the network is the natural choice.
	SliceSteps int64
	// Tick is the wall-clock time of one slice in RealTime mode.
	Tick time.Duration
	Mode Mode

	step      int64
	listeners []func(step int64, now time.Duration)
}

// NewController constructs a controller positioned at step 0.
func NewController(resolution time.Duration, sliceSteps int64, tick time.Duration, mode Mode) (*Controller, error) {
	if resolution <= 0 {
		return nil, errors.New("timectrl: resolution must be positive")
	}
	if sliceSteps < 1 {
		return nil, errors.New("timectrl: slice must cover at least one step")
	}
	if mode == RealTime && tick <= 0 {
		return nil, errors.New("timectrl: real-time mode needs a positive tick")
	}
	return &Controller{
		Resolution: resolution,
		SliceSteps: sliceSteps,
		Tick:       tick,
		Mode:       mode,
	}, nil
}

// Step returns the first step that has not been simulated yet.
func (c *Controller) Step() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

// Now returns the simulated time reached.
func (c *Controller) Now() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.step) * c.Resolution
}

// SetStep moves the controller, for example after restoring a checkpoint.
func (c *Controller) SetStep(step int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

// AddListener registers a callback invoked after every completed slice.
func (c *Controller) AddListener(fn func(step int64, now time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Run simulates steps more steps. It stops at the first failing slice or
// when ctx is done; the steps completed before stay accounted for.
func (c *Controller) Run(ctx context.Context, steps int64, fn StepFunc) error {
	if steps < 0 {
		return fmt.Errorf("timectrl: negative step count %d", steps)
	}

	var ticker *time.Ticker
	if c.Mode == RealTime {
		ticker = time.NewTicker(c.Tick)
		defer ticker.Stop()
	}

	from := c.Step()
	end := from + steps
	for from < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := min(from+c.SliceSteps, end)
		if err := fn(ctx, from, to); err != nil {
			return fmt.Errorf("timectrl: steps [%d, %d): %w", from, to, err)
		}

		c.mu.Lock()
		c.step = to
		listeners := c.listeners
		c.mu.Unlock()
		now := time.Duration(to) * c.Resolution
		for _, l := range listeners {
			l(to, now)
		}
		from = to

		if ticker != nil && from < end {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
