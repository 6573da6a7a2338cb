// Package motion contains the interfaces of motion controllers driving
// focusers and a single-axis handle used by focusing work.
package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrLimit is returned for moves outside of the software limits of an axis.
var ErrLimit = errors.New("requested position violates software limits, aborted")

// Mover describes an interface with position-related methods for axes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error
}

// InPositionQueryer is a type which can query whether an axis is in position
type InPositionQueryer interface {
	// GetInPosition returns True if the axis is in position
	GetInPosition(string) (bool, error)
}

// Stopper describes an interface with stop-related methods for axes
type Stopper interface {
	// Stop aborts motion of the axis
	Stop(string) error
}

// Controller is a motion controller usable as a focuser.
type Controller interface {
	Mover
	InPositionQueryer
}

// Limiter is a software limit on the travel of an axis.
type Limiter struct {
	Min float64 `json:"min" koanf:"min"`
	Max float64 `json:"max" koanf:"max"`
}

// Check returns true if pos is within the limits.  A zero Limiter admits
// everything.
func (l Limiter) Check(pos float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return l.Min <= pos && pos <= l.Max
}

// Clamp restricts pos to the limits.
func (l Limiter) Clamp(pos float64) float64 {
	if l.Min == 0 && l.Max == 0 {
		return pos
	}
	if pos < l.Min {
		return l.Min
	}
	if pos > l.Max {
		return l.Max
	}
	return pos
}

// Axis is one axis of a controller.
type Axis struct {
	Ctl    Controller
	Name   string
	Limits Limiter

	// Poll is the interval between in-position queries, 100ms if zero
	Poll time.Duration

	// StopTimeout bounds the wait for the axis to come to rest after an
	// aborted move, 10s if zero
	StopTimeout time.Duration
}

// Pos returns the current position.
func (a Axis) Pos() (float64, error) {
	return a.Ctl.GetPos(a.Name)
}

// MoveTo starts a move to pos and waits until the axis reports in position,
// ctx is done, or timeout elapses.
func (a Axis) MoveTo(ctx context.Context, pos float64, timeout time.Duration) error {
	if !a.Limits.Check(pos) {
		return fmt.Errorf("%w: %s to %f, limits [%f,%f]", ErrLimit, a.Name, pos, a.Limits.Min, a.Limits.Max)
	}
	if err := a.Ctl.MoveAbs(a.Name, pos); err != nil {
		return err
	}
	return a.WaitInPosition(ctx, timeout)
}

// WaitInPosition polls until the axis is in position.  If ctx is done
// first, a controller that is a Stopper is told to stop and the axis is
// waited on until it is at rest before ctx.Err() is returned.
func (a Axis) WaitInPosition(ctx context.Context, timeout time.Duration) error {
	err := a.poll(ctx, timeout)
	if err == nil || ctx.Err() == nil {
		return err
	}
	if err := a.halt(); err != nil {
		return fmt.Errorf("%w, stopping axis %s: %v", ctx.Err(), a.Name, err)
	}
	return ctx.Err()
}

// halt stops the axis and waits for it to come to rest on a fresh context.
func (a Axis) halt() error {
	s, ok := a.Ctl.(Stopper)
	if !ok {
		return nil
	}
	if err := s.Stop(a.Name); err != nil {
		return err
	}
	settle := a.StopTimeout
	if settle == 0 {
		settle = 10 * time.Second
	}
	rest, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	return a.poll(rest, settle)
}

func (a Axis) poll(ctx context.Context, timeout time.Duration) error {
	poll := a.Poll
	if poll == 0 {
		poll = 100 * time.Millisecond
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     poll,
		RandomizationFactor: 0,
		Multiplier:          1.5,
		MaxInterval:         10 * poll,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock,
	}
	errMoving := fmt.Errorf("axis %s still moving after %s", a.Name, timeout)
	op := func() error {
		ok, err := a.Ctl.GetInPosition(a.Name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errMoving
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
