// Package focusing models sampled focus curves as piecewise-linear functions
// and locates the best focus position as the axis of symmetry of such a curve.
package focusing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Tolerance is the relative tolerance under which two abscissae are
// considered equal.
const Tolerance = 1e-7

// ErrDomain is the sentinel wrapped by every DomainError.
var ErrDomain = errors.New("outside of function domain")

// DomainError is returned when a function is evaluated outside of its
// domain, when two functions do not overlap, or when a function is empty.
type DomainError struct {
	Msg string
}

func (e *DomainError) Error() string {
	return e.Msg
}

// Unwrap allows errors.Is(err, ErrDomain).
func (e *DomainError) Unwrap() error {
	return ErrDomain
}

func domainErrorf(format string, args ...interface{}) error {
	return &DomainError{Msg: fmt.Sprintf(format, args...)}
}

// Point is a single sample of a function.  Points are ordered and compared
// by X only.
type Point struct {
	X, Y float64
}

// SameX returns true if both points sit at the same abscissa within Tolerance.
func (p Point) SameX(o Point) bool {
	return sameX(p.X, o.X)
}

func (p Point) String() string {
	return fmt.Sprintf("(%f,%f)", p.X, p.Y)
}

func sameX(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= Tolerance*(math.Abs(a)+math.Abs(b))
}

// PointPair is the interpolation interval between two adjacent samples.
type PointPair struct {
	First, Second Point
}

// Contains returns true if x lies within [First.X, Second.X].
func (pp PointPair) Contains(x float64) bool {
	return pp.First.X <= x && x <= pp.Second.X
}

// Mx is the midpoint of the interval.
func (pp PointPair) Mx() float64 {
	return (pp.Second.X + pp.First.X) / 2
}

// Mf is the mean of the two function values.
func (pp PointPair) Mf() float64 {
	return (pp.Second.Y + pp.First.Y) / 2
}

// DeltaX is the half width of the interval.
func (pp PointPair) DeltaX() float64 {
	return (pp.Second.X - pp.First.X) / 2
}

// DeltaF is half the change in value across the interval.
func (pp PointPair) DeltaF() float64 {
	return (pp.Second.Y - pp.First.Y) / 2
}

// T maps x into the normalized parameter in [-1,1].
func (pp PointPair) T(x float64) (float64, error) {
	if !pp.Contains(x) {
		return 0, domainErrorf("%f not contained in [%f,%f]", x, pp.First.X, pp.Second.X)
	}
	dx := pp.DeltaX()
	if dx == 0 {
		return 0, nil
	}
	return (x - pp.Mx()) / dx, nil
}

// X maps the normalized parameter t back to an abscissa.
func (pp PointPair) X(t float64) float64 {
	return pp.Mx() + t*pp.DeltaX()
}

// F is the interpolated value at parameter t.
func (pp PointPair) F(t float64) float64 {
	return pp.Mf() + t*pp.DeltaF()
}

// Interpolate evaluates the linear interpolant at x.
func (pp PointPair) Interpolate(x float64) (float64, error) {
	t, err := pp.T(x)
	if err != nil {
		return 0, err
	}
	return pp.F(t), nil
}

// Integrate is the half-width weighted mean value of the interval.
func (pp PointPair) Integrate() float64 {
	return pp.DeltaX() * pp.Mf()
}

// Integrate2 is the exact counterpart of Integrate for the squared
// interpolant.
func (pp PointPair) Integrate2() float64 {
	mf, df := pp.Mf(), pp.DeltaF()
	return pp.DeltaX() * (mf*mf + df*df/3)
}

func (pp PointPair) String() string {
	return fmt.Sprintf("[%s, %s]", pp.First, pp.Second)
}

// Function is a sampled real function of one variable, kept sorted by x with
// no two samples sharing the same abscissa.  The zero value is an empty
// function ready to use.
type Function struct {
	pts []Point
}

// NewFunction builds a function from a list of points.  Points with an
// abscissa already present are ignored.
func NewFunction(pts ...Point) Function {
	var f Function
	for _, p := range pts {
		f.Insert(p)
	}
	return f
}

// Len is the number of samples.
func (f Function) Len() int {
	return len(f.pts)
}

// Points returns a copy of the samples in ascending x order.
func (f Function) Points() []Point {
	out := make([]Point, len(f.pts))
	copy(out, f.pts)
	return out
}

// Insert adds a sample.  It returns false and leaves the function unchanged
// if a sample already exists at the same abscissa.
func (f *Function) Insert(p Point) bool {
	i := sort.Search(len(f.pts), func(i int) bool { return f.pts[i].X >= p.X })
	if i < len(f.pts) && f.pts[i].SameX(p) {
		return false
	}
	if i > 0 && f.pts[i-1].SameX(p) {
		return false
	}
	// copies of a Function share nothing after an insert
	pts := make([]Point, len(f.pts)+1)
	copy(pts, f.pts[:i])
	pts[i] = p
	copy(pts[i+1:], f.pts[i:])
	f.pts = pts
	return true
}

// MinX is the lower bound of the domain.
func (f Function) MinX() (float64, error) {
	if len(f.pts) == 0 {
		return 0, domainErrorf("empty function has no domain")
	}
	return f.pts[0].X, nil
}

// MaxX is the upper bound of the domain.
func (f Function) MaxX() (float64, error) {
	if len(f.pts) == 0 {
		return 0, domainErrorf("empty function has no domain")
	}
	return f.pts[len(f.pts)-1].X, nil
}

// Contains returns true if x lies in the closed domain of f.  An empty
// function contains nothing.
func (f Function) Contains(x float64) bool {
	if len(f.pts) == 0 {
		return false
	}
	return f.pts[0].X <= x && x <= f.pts[len(f.pts)-1].X
}

// PairContaining returns the first bracket of adjacent samples enclosing x.
func (f Function) PairContaining(x float64) (PointPair, error) {
	switch len(f.pts) {
	case 0:
		return PointPair{}, domainErrorf("empty function has no interval containing %f", x)
	case 1:
		if sameX(f.pts[0].X, x) {
			return PointPair{f.pts[0], f.pts[0]}, nil
		}
		return PointPair{}, domainErrorf("no interval containing %f", x)
	}
	for i := 1; i < len(f.pts); i++ {
		pp := PointPair{f.pts[i-1], f.pts[i]}
		if pp.Contains(x) {
			return pp, nil
		}
	}
	return PointPair{}, domainErrorf("no interval containing %f", x)
}

// At evaluates f at x by linear interpolation between the bracketing
// samples.
func (f Function) At(x float64) (float64, error) {
	pp, err := f.PairContaining(x)
	if err != nil {
		return 0, err
	}
	// samples are reproduced exactly
	switch x {
	case pp.First.X:
		return pp.First.Y, nil
	case pp.Second.X:
		return pp.Second.Y, nil
	}
	if pp.First.SameX(pp.Second) {
		return pp.First.Y, nil
	}
	return pp.Interpolate(x)
}

// Y returns the value of the sample with the given index.
func (f Function) Y(index int) (float64, error) {
	if index < 0 || index >= len(f.pts) {
		return 0, fmt.Errorf("index %d out of range [0,%d]", index, len(f.pts)-1)
	}
	return f.pts[index].Y, nil
}

// Mirror reflects every sample through c, (x, y) -> (c - x, y).
func (f Function) Mirror(c float64) Function {
	var out Function
	out.pts = make([]Point, 0, len(f.pts))
	for i := len(f.pts) - 1; i >= 0; i-- {
		out.pts = append(out.pts, Point{X: c - f.pts[i].X, Y: f.pts[i].Y})
	}
	return out
}

// AddX refines the sample grid with a point at x carrying the interpolated
// value.  The represented curve does not change.
func (f *Function) AddX(x float64) error {
	pp, err := f.PairContaining(x)
	if err != nil {
		return err
	}
	if pp.First.X == x || pp.Second.X == x {
		return nil
	}
	y, err := f.At(x)
	if err != nil {
		return err
	}
	f.Insert(Point{X: x, Y: y})
	return nil
}

// AddFunction refines f with every abscissa of o that falls within the
// domain of f.
func (f *Function) AddFunction(o Function) error {
	for _, p := range o.pts {
		if !f.Contains(p.X) {
			continue
		}
		if err := f.AddX(p.X); err != nil {
			return err
		}
	}
	return nil
}

// Restrict returns f confined to the intersection of its domain with that of
// o.  The endpoints of the intersection are always samples, and the grid is
// refined with the abscissae of o inside the intersection.
func (f Function) Restrict(o Function) (Function, error) {
	var out Function
	if len(f.pts) == 0 || len(o.pts) == 0 {
		return out, domainErrorf("cannot restrict empty function")
	}
	lo := math.Max(f.pts[0].X, o.pts[0].X)
	hi := math.Min(f.pts[len(f.pts)-1].X, o.pts[len(o.pts)-1].X)
	if lo > hi {
		return out, domainErrorf("no intersection between [%f,%f] and [%f,%f]",
			f.pts[0].X, f.pts[len(f.pts)-1].X, o.pts[0].X, o.pts[len(o.pts)-1].X)
	}
	ylo, err := f.At(lo)
	if err != nil {
		return out, err
	}
	yhi, err := f.At(hi)
	if err != nil {
		return out, err
	}
	out.Insert(Point{X: lo, Y: ylo})
	out.Insert(Point{X: hi, Y: yhi})
	for _, p := range f.pts {
		if out.Contains(p.X) {
			out.Insert(p)
		}
	}
	for _, p := range o.pts {
		if !out.Contains(p.X) {
			continue
		}
		if err := out.AddX(p.X); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (f Function) combine(o Function, op func(a, b float64) float64) (Function, error) {
	a, err := f.Restrict(o)
	if err != nil {
		return Function{}, err
	}
	b, err := o.Restrict(f)
	if err != nil {
		return Function{}, err
	}
	var out Function
	out.pts = make([]Point, 0, len(a.pts))
	for _, p := range a.pts {
		v, err := b.At(p.X)
		if err != nil {
			return Function{}, err
		}
		out.pts = append(out.pts, Point{X: p.X, Y: op(p.Y, v)})
	}
	return out, nil
}

// Add returns f + o over the common domain.
func (f Function) Add(o Function) (Function, error) {
	return f.combine(o, func(a, b float64) float64 { return a + b })
}

// Sub returns f - o over the common domain.
func (f Function) Sub(o Function) (Function, error) {
	return f.combine(o, func(a, b float64) float64 { return a - b })
}

// Mul returns f * o over the common domain.
func (f Function) Mul(o Function) (Function, error) {
	return f.combine(o, func(a, b float64) float64 { return a * b })
}

// Div returns f / o over the common domain.  Division by a zero sample
// yields an infinity or NaN, as with plain floats.
func (f Function) Div(o Function) (Function, error) {
	return f.combine(o, func(a, b float64) float64 { return a / b })
}

// Integrate sums PointPair.Integrate over consecutive samples.
func (f Function) Integrate() float64 {
	var sum float64
	for i := 1; i < len(f.pts); i++ {
		sum += PointPair{f.pts[i-1], f.pts[i]}.Integrate()
	}
	return sum
}

// Integrate2 sums PointPair.Integrate2 over consecutive samples.
func (f Function) Integrate2() float64 {
	var sum float64
	for i := 1; i < len(f.pts); i++ {
		sum += PointPair{f.pts[i-1], f.pts[i]}.Integrate2()
	}
	return sum
}

func (f Function) String() string {
	var b strings.Builder
	for _, p := range f.pts {
		b.WriteString(" ")
		b.WriteString(p.String())
	}
	return b.String()
}
