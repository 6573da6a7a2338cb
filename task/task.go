// Package task holds the persistent task queue: the entries describing work
// to be done on observatory devices, the executors running them, and the
// queue scheduling executors so no two of them drive the same device.
package task

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/nasa-jpl/astrotask/mathx"
)

var (
	// ErrIllegalState is returned when a queue operation is not meaningful in
	// the current queue state.
	ErrIllegalState = errors.New("illegal queue state")

	// ErrNotFound is returned for ids unknown to the store.
	ErrNotFound = errors.New("task not found")

	// ErrExecuting is returned when an operation requires a task that is not
	// currently executing.
	ErrExecuting = errors.New("task is executing")

	// ErrInvalid is returned for parameters the queue cannot run.
	ErrInvalid = errors.New("invalid task parameters")
)

// Kind selects the work performed for a task.
type Kind string

const (
	// KindExposure takes and saves one image.
	KindExposure Kind = "exposure"
	// KindSleep holds the named devices for the exposure time.
	KindSleep Kind = "sleep"
	// KindFocus scans a focuser and moves it to the best focus position.
	KindFocus Kind = "focus"
)

// Rect is a rectangle on the detector, in unbinned pixels.
type Rect struct {
	X int `json:"x" koanf:"x"`
	Y int `json:"y" koanf:"y"`
	W int `json:"w" koanf:"w"`
	H int `json:"h" koanf:"h"`
}

// Rectangle converts r to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Empty is true if r covers no pixels.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// RectFrom converts an image.Rectangle to a Rect.
func RectFrom(r image.Rectangle) Rect {
	return Rect{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Binning is the on-chip binning mode.
type Binning struct {
	H int `json:"h"`
	V int `json:"v"`
}

// Exposure describes a single camera exposure.
type Exposure struct {
	// Frame is the region of interest, the full chip if empty
	Frame Rect `json:"frame"`

	// Time is the exposure time in seconds
	Time float64 `json:"time"`

	Gain    float64 `json:"gain,omitempty"`
	Binning Binning `json:"binning"`

	// Shutter is true for an open shutter
	Shutter bool `json:"shutter"`

	// Purpose is light, dark, flat, bias or test
	Purpose string `json:"purpose,omitempty"`
}

// Duration is Time as a time.Duration.
func (e Exposure) Duration() time.Duration {
	return time.Duration(e.Time * float64(time.Second))
}

// Focus is the scan performed by a focus task.
type Focus struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Steps int     `json:"steps"`
}

// Positions returns the Steps evenly spaced focuser positions of the scan.
func (f Focus) Positions() []float64 {
	return mathx.Linspace(f.Min, f.Max, f.Steps)
}

// StepPositions returns the distinct positions of the scan rounded to whole
// focuser steps, in scan order.
func (f Focus) StepPositions() []float64 {
	var out []float64
	for _, p := range f.Positions() {
		p = mathx.Round(p, 1)
		if len(out) == 0 || out[len(out)-1] != p {
			out = append(out, p)
		}
	}
	return out
}

// Parameters is the immutable description of a task.
type Parameters struct {
	Kind       Kind   `json:"kind"`
	Instrument string `json:"instrument,omitempty"`

	Camera string `json:"camera,omitempty"`
	Ccd    int    `json:"ccd"`

	Cooler string `json:"cooler,omitempty"`
	// Temperature is the cooler set point in Kelvin, zero leaves the cooler
	// alone
	Temperature float64 `json:"temperature,omitempty"`

	FilterWheel string `json:"filterwheel,omitempty"`
	Filter      string `json:"filter,omitempty"`

	Mount   string `json:"mount,omitempty"`
	Focuser string `json:"focuser,omitempty"`

	Exposure Exposure `json:"exposure"`
	Focus    Focus    `json:"focus"`

	Project string `json:"project,omitempty"`
	// Repository is the recorder subdirectory images are filed under
	Repository string `json:"repository,omitempty"`
}

// Validate checks the parameters are complete enough to be queued.
func (p Parameters) Validate() error {
	switch p.Kind {
	case KindExposure:
		if p.Camera == "" {
			return fmt.Errorf("%w: exposure needs a camera", ErrInvalid)
		}
	case KindFocus:
		if p.Camera == "" || p.Focuser == "" {
			return fmt.Errorf("%w: focus needs a camera and a focuser", ErrInvalid)
		}
		if p.Focus.Steps < 3 || p.Focus.Max <= p.Focus.Min {
			return fmt.Errorf("%w: focus scan needs min < max and at least 3 steps", ErrInvalid)
		}
		if n := len(p.Focus.StepPositions()); n < 3 {
			return fmt.Errorf("%w: focus scan [%g,%g] has only %d distinct whole-step positions", ErrInvalid, p.Focus.Min, p.Focus.Max, n)
		}
	case KindSleep:
	case "":
		return fmt.Errorf("%w: no kind", ErrInvalid)
	}
	if p.Exposure.Time < 0 {
		return fmt.Errorf("%w: negative exposure time", ErrInvalid)
	}
	if p.Ccd < 0 {
		return fmt.Errorf("%w: negative ccd index", ErrInvalid)
	}
	return nil
}

// Claims lists the devices a task drives while it executes.  A device is
// named by role and name, a ccd additionally by its index on the camera.
// Exposures only read the mount and focuser for metadata and do not claim
// them; sleep tasks hold every device they name.
func (p Parameters) Claims() []string {
	var out []string
	add := func(role, name string) {
		if name != "" {
			out = append(out, role+":"+name)
		}
	}
	if p.Camera != "" {
		add("ccd", fmt.Sprintf("%s#%d", p.Camera, p.Ccd))
	}
	add("cooler", p.Cooler)
	add("filterwheel", p.FilterWheel)
	switch p.Kind {
	case KindFocus:
		add("focuser", p.Focuser)
	case KindSleep:
		add("focuser", p.Focuser)
		add("mount", p.Mount)
	}
	return out
}

// Conflicts is true if the two parameter sets claim a common device.
func Conflicts(a, b Parameters) bool {
	ca := a.Claims()
	for _, y := range b.Claims() {
		for _, x := range ca {
			if x == y {
				return true
			}
		}
	}
	return false
}

// State is the lifecycle state of an entry.
type State int

const (
	// Pending entries wait for an executor.
	Pending State = iota
	// Executing entries have an executor.
	Executing
	// Failed entries ended with an error, see Cause.
	Failed
	// Cancelled entries were cancelled while executing.
	Cancelled
	// Complete entries finished successfully.
	Complete
)

var stateNames = [...]string{"pending", "executing", "failed", "cancelled", "complete"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal is true for failed, cancelled and complete.
func (s State) Terminal() bool {
	return s == Failed || s == Cancelled || s == Complete
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, s) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Entry is the persisted record of one task.
type Entry struct {
	ID         int64      `json:"id"`
	Params     Parameters `json:"parameters"`
	State      State      `json:"state"`
	LastChange time.Time  `json:"lastchange"`
	Cause      string     `json:"cause,omitempty"`
	Filename   string     `json:"filename,omitempty"`
	Frame      Rect       `json:"frame"`
}

// Info is the part of an entry passed to notification sinks.
type Info struct {
	ID         int64     `json:"id" msgpack:"id"`
	State      State     `json:"state" msgpack:"state"`
	LastChange time.Time `json:"lastchange" msgpack:"lastchange"`
	Cause      string    `json:"cause,omitempty" msgpack:"cause,omitempty"`
	Filename   string    `json:"filename,omitempty" msgpack:"filename,omitempty"`
	Frame      Rect      `json:"frame" msgpack:"frame"`
	Removed    bool      `json:"removed,omitempty" msgpack:"removed,omitempty"`
}

// Info extracts the notification view of e.
func (e Entry) Info() Info {
	return Info{
		ID:         e.ID,
		State:      e.State,
		LastChange: e.LastChange,
		Cause:      e.Cause,
		Filename:   e.Filename,
		Frame:      e.Frame,
	}
}

// Notifier is informed of every persisted change of an entry.
type Notifier interface {
	Notify(Info)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(Info)

// Notify implements Notifier.
func (f NotifierFunc) Notify(i Info) {
	f(i)
}
