/*Package camera describes the interfaces of the imaging devices driven by
exposure tasks.

A Ccd is a single sensor of a camera, a camera with a guider chip has two.
Coolers and filter wheels are separate devices because they are frequently
shared or absent.
*/
package camera

import (
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	// ErrNotExposed is returned by GetImage before an exposure has completed.
	ErrNotExposed = errors.New("no exposed image available")

	// ErrBusy is returned by StartExposure while an exposure is running.
	ErrBusy = errors.New("exposure in progress")

	// ErrUnknownFilter is returned when selecting a filter the wheel lacks.
	ErrUnknownFilter = errors.New("unknown filter")
)

// ExposureState is the state of a ccd.
type ExposureState int

const (
	// Idle ccds can start an exposure.
	Idle ExposureState = iota
	// Exposing ccds are integrating.
	Exposing
	// Exposed ccds hold an image to be read.
	Exposed
	// Cancelling ccds are aborting an exposure.
	Cancelling
)

func (s ExposureState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Exposing:
		return "exposing"
	case Exposed:
		return "exposed"
	case Cancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("ExposureState(%d)", int(s))
	}
}

// Binning is the on-chip binning mode.
type Binning struct {
	H, V int
}

// Exposure are the parameters of a single exposure.
type Exposure struct {
	// Frame is the region of interest in unbinned pixels, the full chip if
	// empty
	Frame   image.Rectangle
	Time    time.Duration
	Gain    float64
	Binning Binning
	Shutter bool
	Purpose string
}

// Frame is a 16 bit image read from a ccd.  Pix is row major.
type Frame struct {
	Origin        image.Point
	Width, Height int
	Pix           []uint16
}

// Bounds is the frame's rectangle on the chip.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rectangle{Min: f.Origin, Max: f.Origin.Add(image.Pt(f.Width, f.Height))}
}

// Gray16 views the frame as an image.
func (f *Frame) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return img
}

// Info is the static description of a ccd.
type Info struct {
	Name      string
	Width     int
	Height    int
	PixelSize float64
}

// Ccd is one sensor of a camera.
type Ccd interface {
	// Info describes the sensor
	Info() Info

	// StartExposure begins an exposure and returns immediately
	StartExposure(Exposure) error

	// ExposureStatus reports the progress of the exposure
	ExposureStatus() (ExposureState, error)

	// CancelExposure aborts a running exposure
	CancelExposure() error

	// GetImage reads the image of a completed exposure
	GetImage() (*Frame, error)
}

// Cooler controls the temperature of a sensor.  Temperatures are in Celcius.
type Cooler interface {
	// GetTemp gets the current sensor temperature
	GetTemp() (float64, error)

	// GetTempSetpoint gets the temperature setpoint
	GetTempSetpoint() (float64, error)

	// SetTempSetpoint sets the temperature setpoint
	SetTempSetpoint(float64) error

	// SetTempControlActive turns temperature control on or off
	SetTempControlActive(bool) error

	// Stable is true once the temperature has settled at the setpoint
	Stable() (bool, error)
}

// WheelState is the state of a filter wheel.
type WheelState int

const (
	// WheelIdle wheels sit at a filter.
	WheelIdle WheelState = iota
	// WheelMoving wheels are changing filters.
	WheelMoving
	// WheelUnknown wheels have lost their position.
	WheelUnknown
)

func (s WheelState) String() string {
	switch s {
	case WheelIdle:
		return "idle"
	case WheelMoving:
		return "moving"
	default:
		return "unknown"
	}
}

// FilterWheel selects filters by name.
type FilterWheel interface {
	// Filters lists the filter names in wheel order
	Filters() []string

	// Select starts moving to the named filter
	Select(string) error

	// Current is the name of the filter in the beam
	Current() (string, error)

	// State reports whether the wheel is moving
	State() (WheelState, error)
}
