package motion

import (
	"sync"
	"time"
)

// MockController is an in-memory controller whose axes travel at a fixed
// speed.  Unknown axes sit at zero.
type MockController struct {
	sync.Mutex

	// Speed is the travel speed in units per second, instantaneous if zero
	Speed float64

	from  map[string]float64
	to    map[string]float64
	start map[string]time.Time
	moves []float64
}

// NewMockController returns a controller with all axes at zero.
func NewMockController(speed float64) *MockController {
	return &MockController{
		Speed: speed,
		from:  make(map[string]float64),
		to:    make(map[string]float64),
		start: make(map[string]time.Time),
	}
}

// pos must be called with the lock held.
func (c *MockController) pos(axis string, now time.Time) (float64, bool) {
	from, to := c.from[axis], c.to[axis]
	if c.Speed == 0 || from == to {
		return to, true
	}
	travelled := c.Speed * now.Sub(c.start[axis]).Seconds()
	dist := to - from
	if dist < 0 {
		dist = -dist
	}
	if travelled >= dist {
		return to, true
	}
	if to < from {
		return from - travelled, false
	}
	return from + travelled, false
}

// GetPos implements Mover.
func (c *MockController) GetPos(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	p, _ := c.pos(axis, time.Now())
	return p, nil
}

// MoveAbs implements Mover.  A new move starts from wherever the axis is.
func (c *MockController) MoveAbs(axis string, pos float64) error {
	c.Lock()
	defer c.Unlock()
	now := time.Now()
	cur, _ := c.pos(axis, now)
	c.from[axis] = cur
	c.to[axis] = pos
	c.start[axis] = now
	c.moves = append(c.moves, pos)
	return nil
}

// Stop implements Stopper.  The axis halts where it is.
func (c *MockController) Stop(axis string) error {
	c.Lock()
	defer c.Unlock()
	cur, _ := c.pos(axis, time.Now())
	c.from[axis] = cur
	c.to[axis] = cur
	return nil
}

// GetInPosition implements InPositionQueryer.
func (c *MockController) GetInPosition(axis string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	_, ok := c.pos(axis, time.Now())
	return ok, nil
}

// Moves returns the targets of all moves so far.
func (c *MockController) Moves() []float64 {
	c.Lock()
	defer c.Unlock()
	return append([]float64(nil), c.moves...)
}

// Home places an axis at pos instantly, without recording a move.
func (c *MockController) Home(axis string, pos float64) {
	c.Lock()
	defer c.Unlock()
	c.from[axis] = pos
	c.to[axis] = pos
}
