package work

import (
	"context"
	"fmt"
	"time"

	"github.com/astrogo/fitsio"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/focusing"
	"github.com/nasa-jpl/astrotask/mathx"
	"github.com/nasa-jpl/astrotask/task"
)

// Focus scans the focuser over a range, measures the sharpness of an image
// at every position and moves to the position the solver finds best.  An
// image taken at the final position is recorded.
type Focus struct {
	env *Env

	// Solver finds the best position, a SymmetricSolver if nil
	Solver focusing.Solver
}

func (w *Focus) solver() focusing.Solver {
	if w.Solver == nil {
		return focusing.SymmetricSolver{}
	}
	return w.Solver
}

// Run implements task.Work.
func (w *Focus) Run(ctx context.Context, e task.Entry) (task.Result, error) {
	env := w.env
	t := env.Timeouts.withDefaults()
	log := env.log().With(zap.Int64("id", e.ID), zap.String("kind", string(e.Params.Kind)))
	p := e.Params

	d, err := env.resolve(p)
	if err != nil {
		return task.Result{}, err
	}
	if d.focuser == nil {
		return task.Result{}, fmt.Errorf("focus task %d names no focuser", e.ID)
	}
	filter, err := env.prepare(ctx, p, d, log)
	if err != nil {
		return task.Result{}, err
	}

	exp := cameraExposure(p.Exposure)
	var items []focusing.FocusItem
	for _, pos := range p.Focus.Positions() {
		pos = mathx.Round(d.focuser.Limits.Clamp(pos), 1)
		if err := d.focuser.MoveTo(ctx, pos, t.Move); err != nil {
			return task.Result{}, err
		}
		frame, err := expose(ctx, d.ccd, exp, t)
		if err != nil {
			return task.Result{}, err
		}
		v := focusing.Brenner(frame.Gray16())
		log.Debug("focus sample", zap.Float64("position", pos), zap.Float64("value", v))
		items = append(items, focusing.FocusItem{Position: pos, Value: v})
	}

	best, err := w.solver().Position(items)
	if err != nil {
		return task.Result{}, fmt.Errorf("cannot solve for focus: %w", err)
	}
	best = mathx.Round(d.focuser.Limits.Clamp(best), 1)
	log.Info("focus solved", zap.Float64("position", best), zap.Int("samples", len(items)))
	if err := d.focuser.MoveTo(ctx, best, t.Move); err != nil {
		return task.Result{}, err
	}

	start := time.Now()
	frame, err := expose(ctx, d.ccd, exp, t)
	if err != nil {
		return task.Result{}, err
	}
	cards := append(baseCards(e, start), deviceCards(d, filter, log)...)
	cards = append(cards,
		fitsio.Card{Name: "FOCUSMIN", Value: p.Focus.Min, Comment: "focus scan start"},
		fitsio.Card{Name: "FOCUSMAX", Value: p.Focus.Max, Comment: "focus scan end"},
		fitsio.Card{Name: "FOCUSN", Value: len(items), Comment: "focus scan samples"},
	)
	fn, err := env.recorder(p.Repository).Save(cards, frame)
	if err != nil {
		return task.Result{}, fmt.Errorf("cannot save image: %w", err)
	}
	return task.Result{Filename: fn, Frame: task.RectFrom(frame.Bounds())}, nil
}
