package work

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astrogo/fitsio"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/camera"
	"github.com/nasa-jpl/astrotask/motion"
	"github.com/nasa-jpl/astrotask/task"
)

// kelvin is 0 C
const kelvin = 273.15

// Exposure takes a single image and files it with the recorder.
type Exposure struct {
	env *Env
}

// devs are the devices an exposure uses, nil when not named.
type devs struct {
	ccd     camera.Ccd
	cooler  camera.Cooler
	wheel   camera.FilterWheel
	focuser *motion.Axis
}

func (env *Env) resolve(p task.Parameters) (devs, error) {
	var (
		d   devs
		err error
	)
	d.ccd, err = env.Devices.Ccd(p.Camera, p.Ccd)
	if err != nil {
		return d, fmt.Errorf("cannot get ccd: %w", err)
	}
	if p.Cooler != "" && p.Temperature > 0 {
		d.cooler, err = env.Devices.Cooler(p.Cooler)
		if err != nil {
			return d, fmt.Errorf("cannot get cooler: %w", err)
		}
	}
	if p.FilterWheel != "" {
		d.wheel, err = env.Devices.FilterWheel(p.FilterWheel)
		if err != nil {
			return d, fmt.Errorf("cannot get filterwheel: %w", err)
		}
	}
	if p.Focuser != "" {
		ax, err := env.Devices.Focuser(p.Focuser)
		if err != nil {
			return d, fmt.Errorf("cannot get focuser: %w", err)
		}
		d.focuser = &ax
	}
	return d, nil
}

func wheelIdle(w camera.FilterWheel) func() (bool, error) {
	return func() (bool, error) {
		s, err := w.State()
		return s == camera.WheelIdle, err
	}
}

// prepare sets the cooler and filter wheel up and waits for them.  It
// returns the name of the filter in the beam.
func (env *Env) prepare(ctx context.Context, p task.Parameters, d devs, log *zap.Logger) (string, error) {
	t := env.Timeouts.withDefaults()
	if d.cooler != nil {
		if err := d.cooler.SetTempSetpoint(p.Temperature - kelvin); err != nil {
			return "", err
		}
		if err := d.cooler.SetTempControlActive(true); err != nil {
			return "", err
		}
	}

	filter := "NONE"
	if d.wheel != nil {
		err := waitFor(ctx, t.Poll, t.WheelReady, wheelIdle(d.wheel))
		if errors.Is(err, errTimeout) {
			return "", errors.New("filterwheel did not settle")
		}
		if err != nil {
			return "", err
		}
		if p.Filter != "" {
			if err := d.wheel.Select(p.Filter); err != nil {
				return "", err
			}
			filter = p.Filter
		}
	}

	if d.cooler != nil {
		err := waitFor(ctx, t.Poll, t.Cooler, d.cooler.Stable)
		if errors.Is(err, errTimeout) {
			log.Warn("cannot stabilize temperature, exposing anyway", zap.Float64("setpoint", p.Temperature))
		} else if err != nil {
			return "", err
		}
	}

	if d.wheel != nil {
		err := waitFor(ctx, t.Poll, t.WheelSettle, wheelIdle(d.wheel))
		if errors.Is(err, errTimeout) {
			return "", errors.New("filter wheel does not idle")
		}
		if err != nil {
			return "", err
		}
	}
	return filter, nil
}

// deviceCards records the state of the devices at exposure time.
func deviceCards(d devs, filter string, log *zap.Logger) []fitsio.Card {
	var cards []fitsio.Card
	if d.wheel != nil {
		cards = append(cards, fitsio.Card{Name: "FILTER", Value: filter})
	}
	if d.cooler != nil {
		if temp, err := d.cooler.GetTemp(); err == nil {
			cards = append(cards, fitsio.Card{Name: "CCD-TEMP", Value: temp, Comment: "sensor temperature in C"})
		} else {
			log.Warn("no sensor temperature", zap.Error(err))
		}
		if set, err := d.cooler.GetTempSetpoint(); err == nil {
			cards = append(cards, fitsio.Card{Name: "SET-TEMP", Value: set, Comment: "cooler setpoint in C"})
		}
	}
	if d.focuser != nil {
		if pos, err := d.focuser.Pos(); err == nil {
			cards = append(cards, fitsio.Card{Name: "FOCUS", Value: pos, Comment: "focuser position"})
		} else {
			log.Warn("no focuser position", zap.Error(err))
		}
	}
	return cards
}

// Run implements task.Work.
func (w *Exposure) Run(ctx context.Context, e task.Entry) (task.Result, error) {
	env := w.env
	log := env.log().With(zap.Int64("id", e.ID), zap.String("kind", string(e.Params.Kind)))
	p := e.Params

	d, err := env.resolve(p)
	if err != nil {
		return task.Result{}, err
	}
	filter, err := env.prepare(ctx, p, d, log)
	if err != nil {
		return task.Result{}, err
	}

	start := time.Now()
	log.Debug("start exposure", zap.Float64("time", p.Exposure.Time), zap.String("filter", filter))
	frame, err := expose(ctx, d.ccd, cameraExposure(p.Exposure), env.Timeouts.withDefaults())
	if err != nil {
		return task.Result{}, err
	}

	cards := append(baseCards(e, start), deviceCards(d, filter, log)...)
	fn, err := env.recorder(p.Repository).Save(cards, frame)
	if err != nil {
		return task.Result{}, fmt.Errorf("cannot save image: %w", err)
	}
	log.Info("image written", zap.String("filename", fn))
	return task.Result{Filename: fn, Frame: task.RectFrom(frame.Bounds())}, nil
}
