package camera

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrotask/focusing"
)

func expose(t *testing.T, c *MockCcd, e Exposure) *Frame {
	t.Helper()
	require.NoError(t, c.StartExposure(e))
	require.Eventually(t, func() bool {
		s, err := c.ExposureStatus()
		return err == nil && s == Exposed
	}, time.Second, time.Millisecond)
	f, err := c.GetImage()
	require.NoError(t, err)
	return f
}

func TestMockCcdLifecycle(t *testing.T) {
	c := NewMockCcd("sim", 64, 48)
	_, err := c.GetImage()
	assert.ErrorIs(t, err, ErrNotExposed)

	require.NoError(t, c.StartExposure(Exposure{Time: time.Hour, Shutter: true}))
	assert.ErrorIs(t, c.StartExposure(Exposure{}), ErrBusy)
	s, err := c.ExposureStatus()
	require.NoError(t, err)
	assert.Equal(t, Exposing, s)
	require.NoError(t, c.CancelExposure())
	s, err = c.ExposureStatus()
	require.NoError(t, err)
	assert.Equal(t, Idle, s)

	f := expose(t, c, Exposure{Time: time.Millisecond, Shutter: true})
	assert.Equal(t, image.Rect(0, 0, 64, 48), f.Bounds())
	assert.Len(t, f.Pix, 64*48)
	_, err = c.GetImage()
	assert.ErrorIs(t, err, ErrNotExposed, "an image is read once")

	t.Run("region and binning", func(t *testing.T) {
		f := expose(t, c, Exposure{Frame: image.Rect(8, 8, 40, 24), Binning: Binning{2, 2}, Shutter: true})
		assert.Equal(t, image.Pt(8, 8), f.Origin)
		assert.Equal(t, 16, f.Width)
		assert.Equal(t, 8, f.Height)
	})
	t.Run("frame outside the chip", func(t *testing.T) {
		assert.Error(t, c.StartExposure(Exposure{Frame: image.Rect(0, 0, 65, 10)}))
	})
	t.Run("dark", func(t *testing.T) {
		f := expose(t, c, Exposure{})
		for _, v := range f.Pix {
			require.Equal(t, uint16(1000), v)
		}
	})
}

func TestMockCcdDefocus(t *testing.T) {
	pos := 0.0
	c := NewMockCcd("sim", 96, 96)
	c.BestFocus = 500
	c.FocusPos = func() (float64, error) { return pos, nil }

	measure := func(p float64) float64 {
		pos = p
		return focusing.Brenner(expose(t, c, Exposure{Shutter: true}).Gray16())
	}
	best := measure(500)
	near := measure(550)
	far := measure(700)
	assert.Greater(t, best, near)
	assert.Greater(t, near, far)
	assert.InDelta(t, near, measure(450), near*1e-9, "blur is symmetric about best focus")
}

func TestFrameGray16(t *testing.T) {
	f := &Frame{Width: 2, Height: 1, Pix: []uint16{0x1234, 0xffff}}
	g := f.Gray16()
	assert.Equal(t, uint16(0x1234), g.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(0xffff), g.Gray16At(1, 0).Y)
}

func TestMockCooler(t *testing.T) {
	c := NewMockCooler(20 * time.Millisecond)
	require.NoError(t, c.SetTempSetpoint(-10))
	ok, err := c.Stable()
	require.NoError(t, err)
	assert.False(t, ok, "inactive coolers are never stable")

	require.NoError(t, c.SetTempControlActive(true))
	require.Eventually(t, func() bool {
		ok, _ := c.Stable()
		return ok
	}, time.Second, time.Millisecond)
	temp, err := c.GetTemp()
	require.NoError(t, err)
	assert.Equal(t, -10.0, temp)
	assert.Error(t, c.SetTempSetpoint(-200))
}

func TestMockFilterWheel(t *testing.T) {
	w := NewMockFilterWheel(20*time.Millisecond, "L", "R", "G", "B")
	cur, err := w.Current()
	require.NoError(t, err)
	assert.Equal(t, "L", cur)

	require.NoError(t, w.Select("G"))
	s, err := w.State()
	require.NoError(t, err)
	assert.Equal(t, WheelMoving, s)
	require.Eventually(t, func() bool {
		s, _ := w.State()
		return s == WheelIdle
	}, time.Second, time.Millisecond)
	cur, _ = w.Current()
	assert.Equal(t, "G", cur)

	assert.ErrorIs(t, w.Select("Ha"), ErrUnknownFilter)
}
