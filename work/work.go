// Package work implements the device sequences behind the task kinds:
// exposures, sleeps and focus scans.
package work

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/camera"
	"github.com/nasa-jpl/astrotask/imgrec"
	"github.com/nasa-jpl/astrotask/motion"
	"github.com/nasa-jpl/astrotask/task"
)

// Devices resolves the device names of task parameters.
type Devices interface {
	Ccd(name string, idx int) (camera.Ccd, error)
	Cooler(name string) (camera.Cooler, error)
	FilterWheel(name string) (camera.FilterWheel, error)
	Focuser(name string) (motion.Axis, error)
}

// Timeouts bound the waits of a work.  Zero fields take the defaults.
type Timeouts struct {
	// Cooler is how long to wait for the temperature to stabilize before
	// exposing anyway, 30s
	Cooler time.Duration

	// WheelReady is how long a filter wheel may be busy before a filter is
	// selected, 10s
	WheelReady time.Duration

	// WheelSettle is how long a filter change may take, 30s
	WheelSettle time.Duration

	// Readout is added to the exposure time when waiting for an image, 30s
	Readout time.Duration

	// Move bounds a focuser move, 60s
	Move time.Duration

	// Poll is the interval between device status queries, 100ms
	Poll time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&t.Cooler, 30*time.Second)
	def(&t.WheelReady, 10*time.Second)
	def(&t.WheelSettle, 30*time.Second)
	def(&t.Readout, 30*time.Second)
	def(&t.Move, 60*time.Second)
	def(&t.Poll, 100*time.Millisecond)
	return t
}

// Env is what the works share: the devices, where images go and the logger.
type Env struct {
	Devices  Devices
	Recorder *imgrec.Recorder
	Log      *zap.Logger
	Timeouts Timeouts

	mu    sync.Mutex
	repos map[string]*imgrec.Recorder
}

func (env *Env) log() *zap.Logger {
	if env.Log == nil {
		return zap.NewNop()
	}
	return env.Log
}

// recorder returns the recorder for a repository, a subfolder of the main
// recorder's root.
func (env *Env) recorder(repo string) *imgrec.Recorder {
	if repo == "" {
		return env.Recorder
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.repos == nil {
		env.repos = map[string]*imgrec.Recorder{}
	}
	r, ok := env.repos[repo]
	if !ok {
		r = imgrec.NewRecorder(filepath.Join(env.Recorder.Root(), filepath.Base(repo)), env.Recorder.Prefix())
		env.repos[repo] = r
	}
	return r
}

// Register binds the exposure, sleep and focus works to their kinds.
func Register(reg *task.Registry, env *Env) {
	reg.Register(task.KindExposure, &Exposure{env: env})
	reg.Register(task.KindSleep, Sleep{})
	reg.Register(task.KindFocus, &Focus{env: env})
}

// errTimeout is returned by waitFor when the condition never held.
var errTimeout = errors.New("timed out")

// waitFor polls cond until it holds, timeout elapses or ctx is done.
func waitFor(ctx context.Context, poll, timeout time.Duration, cond func() (bool, error)) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     poll,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         poll,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock,
	}
	op := func() error {
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errTimeout
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// expose runs a single exposure and reads the image.  If ctx is cancelled
// the exposure is aborted and ctx.Err() returned once the ccd is safe.
func expose(ctx context.Context, ccd camera.Ccd, e camera.Exposure, t Timeouts) (*camera.Frame, error) {
	if err := ccd.StartExposure(e); err != nil {
		return nil, err
	}
	err := waitFor(ctx, t.Poll, e.Time+t.Readout, func() (bool, error) {
		s, err := ccd.ExposureStatus()
		return s == camera.Exposed, err
	})
	if err != nil {
		if ctx.Err() == nil {
			if errors.Is(err, errTimeout) {
				return nil, errors.New("exposure did not complete in time")
			}
			return nil, err
		}
		ccd.CancelExposure()
		// the ctx is gone, wait for a safe state on a fresh one
		safe, cancel := context.WithTimeout(context.Background(), t.Readout)
		defer cancel()
		waitFor(safe, t.Poll, t.Readout, func() (bool, error) {
			s, err := ccd.ExposureStatus()
			return s != camera.Exposing && s != camera.Cancelling, err
		})
		return nil, ctx.Err()
	}
	return ccd.GetImage()
}

func cameraExposure(e task.Exposure) camera.Exposure {
	return camera.Exposure{
		Frame:   e.Frame.Rectangle(),
		Time:    e.Duration(),
		Gain:    e.Gain,
		Binning: camera.Binning{H: e.Binning.H, V: e.Binning.V},
		Shutter: e.Shutter,
		Purpose: e.Purpose,
	}
}

// baseCards are the FITS cards every recorded image carries.
func baseCards(e task.Entry, start time.Time) []fitsio.Card {
	p := e.Params
	cards := []fitsio.Card{
		{Name: "DATE-OBS", Value: start.UTC().Format("2006-01-02T15:04:05.000"), Comment: "exposure start"},
		{Name: "EXPTIME", Value: p.Exposure.Time, Comment: "exposure time in seconds"},
		{Name: "TASKID", Value: int(e.ID)},
	}
	if p.Instrument != "" {
		cards = append(cards, fitsio.Card{Name: "INSTRUME", Value: p.Instrument})
	}
	if p.Project != "" {
		cards = append(cards, fitsio.Card{Name: "PROJECT", Value: p.Project})
	}
	if p.Exposure.Purpose != "" {
		cards = append(cards, fitsio.Card{Name: "IMAGETYP", Value: p.Exposure.Purpose})
	}
	if p.Exposure.Gain != 0 {
		cards = append(cards, fitsio.Card{Name: "GAIN", Value: p.Exposure.Gain})
	}
	if b := p.Exposure.Binning; b.H > 1 || b.V > 1 {
		cards = append(cards,
			fitsio.Card{Name: "XBINNING", Value: b.H},
			fitsio.Card{Name: "YBINNING", Value: b.V})
	}
	return cards
}

// Sleep waits for the exposure time of its task, holding the devices it
// names.
type Sleep struct{}

// Run implements task.Work.
func (Sleep) Run(ctx context.Context, e task.Entry) (task.Result, error) {
	t := time.NewTimer(e.Params.Exposure.Duration())
	defer t.Stop()
	select {
	case <-t.C:
		return task.Result{}, nil
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}
