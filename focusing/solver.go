package focusing

import (
	"errors"
	"fmt"
	"math"
)

// ErrTooFewItems is returned by solvers given fewer samples than they need.
var ErrTooFewItems = errors.New("too few focus items")

// FocusItem is a focus figure of merit measured at a focuser position.
type FocusItem struct {
	Position float64 `json:"position"`
	Value    float64 `json:"value"`
}

// Solver turns a focus scan into a best focus position.
type Solver interface {
	Position(items []FocusItem) (float64, error)
}

// FunctionFromItems builds the piecewise-linear focus curve of a scan.
// Repeated positions keep the first measurement.
func FunctionFromItems(items []FocusItem) Function {
	var f Function
	for _, it := range items {
		f.Insert(Point{X: it.Position, Y: it.Value})
	}
	return f
}

// SymmetricSolver locates the axis about which the focus curve is most
// symmetric.  For a candidate axis a the curve is compared with its
// reflection through a; the squared difference, normalized by the length of
// the overlap, is minimized by a coarse grid scan followed by a golden
// section refinement.
type SymmetricSolver struct {
	// MinOverlap is the smallest fraction of the scan width the curve and
	// its reflection must share for an axis to be considered.  Defaults to
	// one half.
	MinOverlap float64

	// Steps is the number of coarse grid evaluations.  Defaults to 32.
	Steps int

	// Tol is the absolute tolerance of the refined axis.  Defaults to 1e-4
	// of the scan width.
	Tol float64
}

// Asymmetry is the overlap-normalized squared difference between f and its
// reflection through axis.
func Asymmetry(f Function, axis float64) (float64, error) {
	d, err := f.Mirror(2 * axis).Sub(f)
	if err != nil {
		return 0, err
	}
	lo, _ := d.MinX()
	hi, _ := d.MaxX()
	if hi <= lo {
		return 0, domainErrorf("curve and its reflection through %f share no interval", axis)
	}
	return d.Integrate2() / (hi - lo), nil
}

// Position implements Solver.
func (s SymmetricSolver) Position(items []FocusItem) (float64, error) {
	f := FunctionFromItems(items)
	if f.Len() < 3 {
		return 0, fmt.Errorf("%w: symmetric solver needs 3, got %d", ErrTooFewItems, f.Len())
	}
	lo, _ := f.MinX()
	hi, _ := f.MaxX()
	width := hi - lo

	overlap := s.MinOverlap
	if overlap <= 0 || overlap > 1 {
		overlap = 0.5
	}
	steps := s.Steps
	if steps < 3 {
		steps = 32
	}
	tol := s.Tol
	if tol <= 0 {
		tol = 1e-4 * width
	}

	// an axis a leaves an overlap of width-2|a-center|
	margin := (1 - overlap) * width / 2
	a, b := lo+margin, hi-margin
	cost := func(x float64) float64 {
		v, err := Asymmetry(f, x)
		if err != nil {
			return math.Inf(1)
		}
		return v
	}

	step := (b - a) / float64(steps-1)
	best, bestv := a, math.Inf(1)
	for i := 0; i < steps; i++ {
		x := a + float64(i)*step
		if v := cost(x); v < bestv {
			best, bestv = x, v
		}
	}
	if math.IsInf(bestv, 1) {
		return 0, domainErrorf("no admissible symmetry axis in [%f,%f]", a, b)
	}
	return goldenSection(cost, math.Max(a, best-step), math.Min(b, best+step), tol), nil
}

var invPhi = (math.Sqrt(5) - 1) / 2

func goldenSection(g func(float64) float64, a, b, tol float64) float64 {
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	gc, gd := g(c), g(d)
	for math.Abs(b-a) > tol {
		if gc < gd {
			b, d, gd = d, c, gc
			c = b - invPhi*(b-a)
			gc = g(c)
		} else {
			a, c, gc = c, d, gd
			d = a + invPhi*(b-a)
			gd = g(d)
		}
	}
	return (a + b) / 2
}
