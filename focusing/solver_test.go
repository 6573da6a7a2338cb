package focusing

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lorentzScan(lo, hi, step, center, width float64) []FocusItem {
	var items []FocusItem
	for x := lo; x <= hi+step/2; x += step {
		d := (x - center) / width
		items = append(items, FocusItem{Position: x, Value: 1 / (1 + d*d)})
	}
	return items
}

func TestSymmetricSolver(t *testing.T) {
	tests := []struct {
		name   string
		items  []FocusItem
		want   float64
		within float64
	}{
		{"centered scan", lorentzScan(0, 10, 0.25, 5.2, 1), 5.2, 0.05},
		{"offset scan", lorentzScan(2, 10, 0.25, 5.2, 1), 5.2, 0.1},
		{"coarse scan", lorentzScan(1000, 2000, 50, 1440, 200), 1440, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := SymmetricSolver{}.Position(tt.items)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, pos, tt.within)
		})
	}

	t.Run("too few items", func(t *testing.T) {
		_, err := SymmetricSolver{}.Position([]FocusItem{{1, 1}, {2, 2}})
		assert.ErrorIs(t, err, ErrTooFewItems)
	})
}

func TestAsymmetry(t *testing.T) {
	f := FunctionFromItems(lorentzScan(0, 10, 0.5, 5, 1))
	at, err := Asymmetry(f, 5)
	require.NoError(t, err)
	off, err := Asymmetry(f, 6)
	require.NoError(t, err)
	assert.InDelta(t, 0, at, 1e-12)
	assert.Greater(t, off, at)

	_, err = Asymmetry(f, 20)
	assert.ErrorIs(t, err, ErrDomain)
}

func TestBrenner(t *testing.T) {
	const n = 32
	sharp := image.NewGray16(image.Rect(0, 0, n, n))
	ramp := image.NewGray16(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if x >= n/2 {
				sharp.SetGray16(x, y, color.Gray16{Y: 60000})
			}
			ramp.SetGray16(x, y, color.Gray16{Y: uint16(x * 60000 / (n - 1))})
		}
	}
	flat := image.NewGray16(image.Rect(0, 0, n, n))

	bs, br, bf := Brenner(sharp), Brenner(ramp), Brenner(flat)
	assert.Greater(t, bs, br)
	assert.Greater(t, br, bf)
	assert.Zero(t, bf)
	assert.False(t, math.IsNaN(bs))
}
