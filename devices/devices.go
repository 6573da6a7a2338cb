// Package devices builds the camera and focuser instances named by the
// configuration and resolves the names used by task parameters.
package devices

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/camera"
	"github.com/nasa-jpl/astrotask/comm"
	"github.com/nasa-jpl/astrotask/config"
	"github.com/nasa-jpl/astrotask/focuser"
	"github.com/nasa-jpl/astrotask/motion"
)

// ErrNoDevice is returned when a task names a device that does not exist or
// has the wrong role.
var ErrNoDevice = errors.New("no such device")

// Repository maps device names to instances.  A camera name may resolve to
// several ccds, indexed by the ccd number of the task.
type Repository struct {
	mu       sync.RWMutex
	ccds     map[string][]camera.Ccd
	coolers  map[string]camera.Cooler
	wheels   map[string]camera.FilterWheel
	focusers map[string]motion.Axis
	closers  []func() error
}

// NewRepository returns an empty repository.
func NewRepository() *Repository {
	return &Repository{
		ccds:     map[string][]camera.Ccd{},
		coolers:  map[string]camera.Cooler{},
		wheels:   map[string]camera.FilterWheel{},
		focusers: map[string]motion.Axis{},
	}
}

// AddCcd appends a ccd to the named camera.
func (r *Repository) AddCcd(name string, c camera.Ccd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ccds[name] = append(r.ccds[name], c)
}

// AddCooler registers a cooler.
func (r *Repository) AddCooler(name string, c camera.Cooler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coolers[name] = c
}

// AddFilterWheel registers a filter wheel.
func (r *Repository) AddFilterWheel(name string, w camera.FilterWheel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wheels[name] = w
}

// AddFocuser registers a focuser axis.
func (r *Repository) AddFocuser(name string, ax motion.Axis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focusers[name] = ax
}

// Ccd returns ccd number idx of the named camera.
func (r *Repository) Ccd(name string, idx int) (camera.Ccd, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs := r.ccds[name]
	if idx < 0 || idx >= len(cs) {
		return nil, fmt.Errorf("%w: camera %q ccd %d", ErrNoDevice, name, idx)
	}
	return cs[idx], nil
}

// Cooler returns the named cooler.
func (r *Repository) Cooler(name string) (camera.Cooler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coolers[name]
	if !ok {
		return nil, fmt.Errorf("%w: cooler %q", ErrNoDevice, name)
	}
	return c, nil
}

// FilterWheel returns the named filter wheel.
func (r *Repository) FilterWheel(name string) (camera.FilterWheel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wheels[name]
	if !ok {
		return nil, fmt.Errorf("%w: filter wheel %q", ErrNoDevice, name)
	}
	return w, nil
}

// Focuser returns the named focuser axis.
func (r *Repository) Focuser(name string) (motion.Axis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ax, ok := r.focusers[name]
	if !ok {
		return motion.Axis{}, fmt.Errorf("%w: focuser %q", ErrNoDevice, name)
	}
	return ax, nil
}

// Focusers lists the names of the focusers.
func (r *Repository) Focusers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.focusers))
	for k := range r.focusers {
		out = append(out, k)
	}
	return out
}

// Close releases the connections held by hardware devices.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build creates every configured device.  With mock set, hardware devices
// are replaced by simulations.  Focusers are built first so mock ccds can
// follow them.
func Build(objs []config.ObjSetup, mock bool, log *zap.Logger) (*Repository, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := NewRepository()
	ordered := make([]config.ObjSetup, 0, len(objs))
	for _, o := range objs {
		if isFocuser(o.Type) {
			ordered = append(ordered, o)
		}
	}
	for _, o := range objs {
		if !isFocuser(o.Type) {
			ordered = append(ordered, o)
		}
	}
	for _, o := range ordered {
		if err := r.build(o, mock); err != nil {
			r.Close()
			return nil, fmt.Errorf("device %q: %w", o.Name, err)
		}
		log.Info("device ready", zap.String("name", o.Name), zap.String("type", o.Type), zap.Bool("mock", mock))
	}
	return r, nil
}

func isFocuser(typ string) bool {
	typ = strings.ToLower(typ)
	return typ == config.TypeMockFocuser || typ == config.TypeASCIIFocuser
}

func (r *Repository) build(o config.ObjSetup, mock bool) error {
	a := args(o.Args)
	typ := strings.ToLower(o.Type)
	if mock && typ == config.TypeASCIIFocuser {
		typ = config.TypeMockFocuser
	}
	switch typ {
	case config.TypeMockCcd:
		n := a.int("ccds", 1)
		for i := 0; i < n; i++ {
			c := camera.NewMockCcd(fmt.Sprintf("%s#%d", o.Name, i), a.int("width", 512), a.int("height", 512))
			if f := a.str("focuser", ""); f != "" {
				ax, err := r.Focuser(f)
				if err != nil {
					return err
				}
				c.FocusPos = ax.Pos
				c.BestFocus = a.float("bestfocus", 0)
				c.DefocusScale = a.float("defocusscale", c.DefocusScale)
			}
			r.AddCcd(o.Name, c)
		}
	case config.TypeMockCooler:
		r.AddCooler(o.Name, camera.NewMockCooler(a.duration("settle", 2*time.Second)))
	case config.TypeMockFilterWheel:
		filters := a.strs("filters")
		if len(filters) == 0 {
			filters = []string{"L", "R", "G", "B"}
		}
		r.AddFilterWheel(o.Name, camera.NewMockFilterWheel(a.duration("move", time.Second), filters...))
	case config.TypeMockFocuser:
		ctl := motion.NewMockController(a.float("speed", 1000))
		ctl.Home(o.Name, a.float("position", o.Limits.Min))
		r.AddFocuser(o.Name, motion.Axis{Ctl: ctl, Name: o.Name, Limits: o.Limits})
	case config.TypeASCIIFocuser:
		var sc *serial.Config
		if o.Serial {
			baud := o.Baud
			if baud == 0 {
				baud = 9600
			}
			sc = &serial.Config{Name: o.Addr, Baud: baud}
		}
		dev := comm.NewRemoteDevice(o.Addr, sc)
		if err := dev.Open(); err != nil {
			return err
		}
		r.closers = append(r.closers, dev.Close)
		r.AddFocuser(o.Name, motion.Axis{Ctl: focuser.NewASCII(dev), Name: o.Name, Limits: o.Limits})
	default:
		return fmt.Errorf("type %q not understood", o.Type)
	}
	return nil
}
