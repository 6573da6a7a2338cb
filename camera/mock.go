package camera

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"
)

// MockCcd simulates a sensor looking at a handful of stars.  If FocusPos is
// set, the stars blur with the distance of the focuser from BestFocus.
type MockCcd struct {
	sync.Mutex

	info Info

	// FocusPos reports the focuser position
	FocusPos func() (float64, error)

	// BestFocus is the focuser position of sharpest images
	BestFocus float64

	// DefocusScale is the focuser travel that widens stars by one pixel
	DefocusScale float64

	state ExposureState
	exp   Exposure
	start time.Time
	img   *Frame
}

// NewMockCcd returns an idle simulated sensor of the given size.
func NewMockCcd(name string, width, height int) *MockCcd {
	return &MockCcd{
		info:         Info{Name: name, Width: width, Height: height, PixelSize: 5.4e-6},
		DefocusScale: 50,
	}
}

// Info implements Ccd.
func (c *MockCcd) Info() Info {
	return c.info
}

// StartExposure implements Ccd.
func (c *MockCcd) StartExposure(e Exposure) error {
	c.Lock()
	defer c.Unlock()
	if c.state == Exposing {
		return ErrBusy
	}
	full := image.Rect(0, 0, c.info.Width, c.info.Height)
	if e.Frame.Empty() {
		e.Frame = full
	}
	if !e.Frame.In(full) {
		return fmt.Errorf("frame %v exceeds sensor %v", e.Frame, full)
	}
	c.exp = e
	c.start = time.Now()
	c.state = Exposing
	c.img = nil
	return nil
}

// ExposureStatus implements Ccd.
func (c *MockCcd) ExposureStatus() (ExposureState, error) {
	c.Lock()
	defer c.Unlock()
	if c.state == Exposing && time.Since(c.start) >= c.exp.Time {
		img, err := c.render()
		if err != nil {
			c.state = Idle
			return Idle, err
		}
		c.img = img
		c.state = Exposed
	}
	return c.state, nil
}

// CancelExposure implements Ccd.
func (c *MockCcd) CancelExposure() error {
	c.Lock()
	defer c.Unlock()
	c.state = Idle
	c.img = nil
	return nil
}

// GetImage implements Ccd.
func (c *MockCcd) GetImage() (*Frame, error) {
	c.Lock()
	defer c.Unlock()
	if c.state != Exposed || c.img == nil {
		return nil, ErrNotExposed
	}
	img := c.img
	c.img = nil
	c.state = Idle
	return img, nil
}

// render must be called with the lock held.
func (c *MockCcd) render() (*Frame, error) {
	sigma := 1.5
	if c.FocusPos != nil {
		pos, err := c.FocusPos()
		if err != nil {
			return nil, err
		}
		sigma += math.Abs(pos-c.BestFocus) / c.DefocusScale
	}
	bx, by := c.exp.Binning.H, c.exp.Binning.V
	if bx < 1 {
		bx = 1
	}
	if by < 1 {
		by = 1
	}
	r := c.exp.Frame
	w, h := r.Dx()/bx, r.Dy()/by
	f := &Frame{Origin: r.Min, Width: w, Height: h, Pix: make([]uint16, w*h)}

	const background = 1000.
	stars := [][2]float64{{0.25, 0.3}, {0.5, 0.5}, {0.7, 0.65}, {0.4, 0.8}}
	flux := 40000 * 2 * math.Pi * 1.5 * 1.5
	amp := flux / (2 * math.Pi * sigma * sigma)
	dark := !c.exp.Shutter
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := background
			if !dark {
				// chip coordinates of the pixel centre
				cx := float64(r.Min.X) + (float64(x)+0.5)*float64(bx)
				cy := float64(r.Min.Y) + (float64(y)+0.5)*float64(by)
				for _, s := range stars {
					dx := cx - s[0]*float64(c.info.Width)
					dy := cy - s[1]*float64(c.info.Height)
					v += amp * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				}
			}
			if v > math.MaxUint16 {
				v = math.MaxUint16
			}
			f.Pix[y*w+x] = uint16(v)
		}
	}
	return f, nil
}

// MockCooler settles at its setpoint a fixed time after being changed.
type MockCooler struct {
	sync.Mutex

	// Ambient is the temperature without cooling
	Ambient float64

	// Settle is the time needed to reach the setpoint
	Settle time.Duration

	setpoint float64
	active   bool
	changed  time.Time
}

// NewMockCooler returns an inactive cooler at 20 C.
func NewMockCooler(settle time.Duration) *MockCooler {
	return &MockCooler{Ambient: 20, Settle: settle, setpoint: 20}
}

func (c *MockCooler) settled() bool {
	return c.active && time.Since(c.changed) >= c.Settle
}

// GetTemp implements Cooler.
func (c *MockCooler) GetTemp() (float64, error) {
	c.Lock()
	defer c.Unlock()
	if c.settled() {
		return c.setpoint, nil
	}
	return c.Ambient, nil
}

// GetTempSetpoint implements Cooler.
func (c *MockCooler) GetTempSetpoint() (float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.setpoint, nil
}

// SetTempSetpoint implements Cooler.
func (c *MockCooler) SetTempSetpoint(t float64) error {
	c.Lock()
	defer c.Unlock()
	if t < -100 || t > 50 {
		return fmt.Errorf("setpoint %.1f C out of range", t)
	}
	c.setpoint = t
	c.changed = time.Now()
	return nil
}

// SetTempControlActive implements Cooler.
func (c *MockCooler) SetTempControlActive(b bool) error {
	c.Lock()
	defer c.Unlock()
	if b != c.active {
		c.changed = time.Now()
	}
	c.active = b
	return nil
}

// Stable implements Cooler.
func (c *MockCooler) Stable() (bool, error) {
	c.Lock()
	defer c.Unlock()
	return c.settled(), nil
}

// MockFilterWheel takes a fixed time for every filter change.
type MockFilterWheel struct {
	sync.Mutex

	// Move is the duration of a filter change
	Move time.Duration

	filters []string
	current int
	until   time.Time
}

// NewMockFilterWheel returns a wheel sitting at the first filter.
func NewMockFilterWheel(move time.Duration, filters ...string) *MockFilterWheel {
	return &MockFilterWheel{Move: move, filters: filters}
}

// Filters implements FilterWheel.
func (w *MockFilterWheel) Filters() []string {
	return append([]string(nil), w.filters...)
}

// Select implements FilterWheel.
func (w *MockFilterWheel) Select(name string) error {
	w.Lock()
	defer w.Unlock()
	for i, f := range w.filters {
		if f == name {
			if i != w.current {
				w.current = i
				w.until = time.Now().Add(w.Move)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
}

// Current implements FilterWheel.
func (w *MockFilterWheel) Current() (string, error) {
	w.Lock()
	defer w.Unlock()
	if len(w.filters) == 0 {
		return "", nil
	}
	return w.filters[w.current], nil
}

// State implements FilterWheel.
func (w *MockFilterWheel) State() (WheelState, error) {
	w.Lock()
	defer w.Unlock()
	if time.Now().Before(w.until) {
		return WheelMoving, nil
	}
	return WheelIdle, nil
}
