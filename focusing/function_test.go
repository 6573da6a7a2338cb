package focusing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mirrorpoint = 5.2

func f0(x float64) float64 {
	d := math.Abs(x - mirrorpoint)
	return 1 / (1 + d*d)
}

func sampled() Function {
	return NewFunction(
		Point{0, f0(0)},
		Point{1, f0(1)},
		Point{3, f0(3)},
		Point{7, f0(7)},
		Point{8, f0(8)},
		Point{10, f0(10)},
	)
}

func eval(t *testing.T, f Function, x float64) float64 {
	t.Helper()
	v, err := f.At(x)
	require.NoError(t, err)
	return v
}

func TestFunctionValues(t *testing.T) {
	f := sampled()
	tests := []struct {
		x    float64
		want float64
	}{
		{0, f0(0)},
		{1, f0(1)},
		{3, f0(3)},
		{4, 0.75*f0(3) + 0.25*f0(7)},
		{5, 0.5*f0(3) + 0.5*f0(7)},
		{6, 0.25*f0(3) + 0.75*f0(7)},
		{7, f0(7)},
		{8, f0(8)},
		{9, 0.5 * (f0(8) + f0(10))},
		{10, f0(10)},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, eval(t, f, tt.x), 1e-12, "f(%v)", tt.x)
	}
}

func TestFunctionExactAtSamples(t *testing.T) {
	f := NewFunction(Point{0.1, 0.3}, Point{0.7, 1.9}, Point{1.3, -2.2}, Point{13.37, 4.4})
	for _, p := range f.Points() {
		assert.Equal(t, p.Y, eval(t, f, p.X))
	}
}

func TestFunctionLinearInterpolation(t *testing.T) {
	f := NewFunction(Point{0, 3}, Point{10, 8})
	assert.Equal(t, 5.5, eval(t, f, 5))
}

func TestFunctionInsertKeepsUniqueX(t *testing.T) {
	var f Function
	assert.True(t, f.Insert(Point{2, 1}))
	assert.True(t, f.Insert(Point{1, 1}))
	assert.False(t, f.Insert(Point{2, 5}))
	assert.False(t, f.Insert(Point{2 * (1 + 1e-9), 5}))
	assert.Equal(t, 2, f.Len())
	assert.Equal(t, []Point{{1, 1}, {2, 1}}, f.Points())
}

func TestFunctionDomain(t *testing.T) {
	f := sampled()
	lo, err := f.MinX()
	require.NoError(t, err)
	hi, err := f.MaxX()
	require.NoError(t, err)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 10.0, hi)
	assert.True(t, f.Contains(0))
	assert.True(t, f.Contains(10))
	assert.False(t, f.Contains(10.5))

	t.Run("outside", func(t *testing.T) {
		for _, x := range []float64{-0.001, 10.001, math.Inf(1)} {
			_, err := f.At(x)
			assert.True(t, errors.Is(err, ErrDomain), "x=%v", x)
			var de *DomainError
			assert.True(t, errors.As(err, &de))
		}
	})
	t.Run("empty", func(t *testing.T) {
		var e Function
		_, err := e.MinX()
		assert.ErrorIs(t, err, ErrDomain)
		_, err = e.At(0)
		assert.ErrorIs(t, err, ErrDomain)
		assert.False(t, e.Contains(0))
	})
	t.Run("index", func(t *testing.T) {
		y, err := f.Y(2)
		require.NoError(t, err)
		assert.Equal(t, f0(3), y)
		_, err = f.Y(6)
		assert.Error(t, err)
	})
}

func TestFunctionMirror(t *testing.T) {
	f := sampled()
	m := f.Mirror(mirrorpoint)
	for x := 0.0; x <= 10; x++ {
		assert.InDelta(t, eval(t, f, x), eval(t, m, mirrorpoint-x), 1e-9, "x=%v", x)
	}

	t.Run("round trip", func(t *testing.T) {
		back := f.Mirror(3.7).Mirror(3.7)
		require.Equal(t, f.Len(), back.Len())
		for i, p := range f.Points() {
			q := back.Points()[i]
			assert.True(t, p.SameX(q) || math.Abs(p.X-q.X) < 1e-12, "%v vs %v", p, q)
			assert.Equal(t, p.Y, q.Y)
		}
	})
}

func TestFunctionRefine(t *testing.T) {
	f := sampled()
	g := f
	for x := 0.0; x < 11; x++ {
		require.NoError(t, g.AddX(x))
	}
	require.Equal(t, 11, g.Len())
	for i := 0; i < 11; i++ {
		y, err := g.Y(i)
		require.NoError(t, err)
		assert.InDelta(t, eval(t, f, float64(i)), y, 1e-12)
	}
	assert.Equal(t, 6, f.Len(), "refining a copy leaves the original alone")

	t.Run("outside", func(t *testing.T) {
		assert.ErrorIs(t, g.AddX(12), ErrDomain)
	})
}

func TestFunctionAddFunction(t *testing.T) {
	f := sampled()
	m := f.Mirror(mirrorpoint)
	require.NoError(t, m.AddFunction(f))
	// mirror spans [-4.8, 5.2], so f's samples at 0, 1 and 3 land inside
	for _, x := range []float64{0, 1, 3} {
		found := false
		for _, p := range m.Points() {
			if p.X == x {
				found = true
			}
		}
		assert.True(t, found, "x=%v", x)
	}
	assert.Equal(t, 9, m.Len())
}

func TestFunctionRestrict(t *testing.T) {
	f := sampled()
	m := f.Mirror(mirrorpoint)
	r, err := m.Restrict(f)
	require.NoError(t, err)
	lo, _ := r.MinX()
	hi, _ := r.MaxX()
	assert.Equal(t, 0.0, lo)
	assert.InDelta(t, 5.2, hi, 1e-12)
	for _, p := range r.Points() {
		assert.InDelta(t, eval(t, m, p.X), p.Y, 1e-12)
	}

	t.Run("disjoint", func(t *testing.T) {
		a := NewFunction(Point{0, 1}, Point{1, 1})
		b := NewFunction(Point{2, 1}, Point{3, 1})
		_, err := a.Restrict(b)
		assert.ErrorIs(t, err, ErrDomain)
		_, err = a.Sub(b)
		assert.ErrorIs(t, err, ErrDomain)
	})
	t.Run("touching", func(t *testing.T) {
		a := NewFunction(Point{0, 1}, Point{1, 2})
		b := NewFunction(Point{1, 5}, Point{3, 1})
		r, err := a.Restrict(b)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Len())
		s, err := a.Add(b)
		require.NoError(t, err)
		assert.Equal(t, []Point{{1, 7}}, s.Points())
	})
}

func TestFunctionArithmetic(t *testing.T) {
	a := NewFunction(Point{0, 1}, Point{2, 3}, Point{4, 1})
	b := NewFunction(Point{1, 2}, Point{5, 2})

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, []Point{{1, 4}, {2, 5}, {4, 3}}, sum.Points())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, []Point{{1, 0}, {2, 1}, {4, -1}}, diff.Points())

	prod, err := a.Mul(b)
	require.NoError(t, err)
	assert.Equal(t, []Point{{1, 4}, {2, 6}, {4, 2}}, prod.Points())

	quot, err := a.Div(b)
	require.NoError(t, err)
	assert.Equal(t, []Point{{1, 1}, {2, 1.5}, {4, 0.5}}, quot.Points())

	zero, err := a.Sub(a)
	require.NoError(t, err)
	assert.Zero(t, zero.Integrate())
	assert.Zero(t, zero.Integrate2())
}

func TestFunctionIntegrate(t *testing.T) {
	flat := NewFunction(Point{0, 1}, Point{2, 1})
	assert.Equal(t, 1.0, flat.Integrate())
	assert.Equal(t, 1.0, flat.Integrate2())

	ramp := NewFunction(Point{0, 0}, Point{2, 2})
	assert.InDelta(t, 4.0/3.0, ramp.Integrate2(), 1e-15)

	single := NewFunction(Point{1, 1})
	assert.Zero(t, single.Integrate())

	d, err := sampled().Mirror(mirrorpoint).Sub(sampled())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.Integrate2(), 0.0)
}

func TestFunctionString(t *testing.T) {
	f := NewFunction(Point{1, 2}, Point{0, 0.5})
	assert.Equal(t, " (0.000000,0.500000) (1.000000,2.000000)", f.String())
	assert.Equal(t, "[(0.000000,0.500000), (1.000000,2.000000)]",
		PointPair{Point{0, 0.5}, Point{1, 2}}.String())
}
