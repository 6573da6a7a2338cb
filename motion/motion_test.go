package motion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter(t *testing.T) {
	l := Limiter{Min: 100, Max: 200}
	assert.True(t, l.Check(100))
	assert.True(t, l.Check(200))
	assert.False(t, l.Check(99.9))
	assert.Equal(t, 100.0, l.Clamp(-5))
	assert.Equal(t, 200.0, l.Clamp(1e6))
	assert.Equal(t, 150.0, l.Clamp(150))

	var none Limiter
	assert.True(t, none.Check(-1e9))
	assert.Equal(t, 42.0, none.Clamp(42))
}

func TestAxisMoveTo(t *testing.T) {
	ctl := NewMockController(200)
	ax := Axis{Ctl: ctl, Name: "focus", Limits: Limiter{Min: -10, Max: 1000}, Poll: 5 * time.Millisecond}
	ctx := context.Background()

	require.NoError(t, ax.MoveTo(ctx, 20, time.Second))
	pos, err := ax.Pos()
	require.NoError(t, err)
	assert.Equal(t, 20.0, pos)

	t.Run("limits", func(t *testing.T) {
		err := ax.MoveTo(ctx, 1001, time.Second)
		assert.ErrorIs(t, err, ErrLimit)
		assert.Equal(t, []float64{20}, ctl.Moves(), "rejected moves never reach the controller")
	})
	t.Run("timeout", func(t *testing.T) {
		err := ax.MoveTo(ctx, 900, 30*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "still moving")
	})
	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := ax.MoveTo(cctx, -10, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		ok, err := ctl.GetInPosition("focus")
		require.NoError(t, err)
		assert.True(t, ok, "an aborted move leaves the axis at rest")
	})
}

func TestAxisCancelStops(t *testing.T) {
	ctl := NewMockController(100)
	ax := Axis{Ctl: ctl, Name: "focus", Poll: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := ax.MoveTo(ctx, 1000, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	ok, err := ctl.GetInPosition("focus")
	require.NoError(t, err)
	assert.True(t, ok)
	stopped, err := ax.Pos()
	require.NoError(t, err)
	assert.Greater(t, stopped, 0.0)
	assert.Less(t, stopped, 1000.0)

	time.Sleep(50 * time.Millisecond)
	pos, err := ax.Pos()
	require.NoError(t, err)
	assert.Equal(t, stopped, pos, "the axis does not travel on after the cancel")
}

func TestMockControllerTravel(t *testing.T) {
	ctl := NewMockController(0)
	require.NoError(t, ctl.MoveAbs("x", 5))
	p, err := ctl.GetPos("x")
	require.NoError(t, err)
	assert.Equal(t, 5.0, p)
	ok, err := ctl.GetInPosition("x")
	require.NoError(t, err)
	assert.True(t, ok)

	slow := NewMockController(1)
	require.NoError(t, slow.MoveAbs("x", -100))
	ok, err = slow.GetInPosition("x")
	require.NoError(t, err)
	assert.False(t, ok)
	p, err = slow.GetPos("x")
	require.NoError(t, err)
	assert.LessOrEqual(t, p, 0.0)
	assert.Greater(t, p, -1.0)
}
