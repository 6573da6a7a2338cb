package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrotask/task"
)

// contract exercises the behaviour every task.Store shares.
func contract(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Date(2024, 3, 9, 21, 30, 0, 0, time.UTC)
	params := task.Parameters{
		Kind:     task.KindExposure,
		Camera:   "main",
		Filter:   "R",
		Exposure: task.Exposure{Time: 2.5, Frame: task.Rect{X: 1, Y: 2, W: 3, H: 4}},
	}

	a := task.Entry{Params: params, State: task.Pending, LastChange: now}
	b := task.Entry{Params: params, State: task.Pending, LastChange: now}
	require.NoError(t, s.Insert(ctx, &a))
	require.NoError(t, s.Insert(ctx, &b))
	require.Greater(t, b.ID, a.ID, "ids increase")

	t.Run("get", func(t *testing.T) {
		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a, got)
		_, err = s.Get(ctx, b.ID+1000)
		assert.ErrorIs(t, err, task.ErrNotFound)
	})

	t.Run("update", func(t *testing.T) {
		a.State = task.Complete
		a.Filename = "/images/astro000001.fits"
		a.Frame = task.Rect{W: 3, H: 4}
		a.LastChange = now.Add(time.Minute)
		require.NoError(t, s.Update(ctx, a))
		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a, got)
		assert.ErrorIs(t, s.Update(ctx, task.Entry{ID: b.ID + 1000}), task.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, b.ID, pending[0].ID)
		done, err := s.List(ctx, task.Complete)
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, a.ID, done[0].ID)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, a.ID))
		assert.ErrorIs(t, s.Remove(ctx, a.ID), task.ErrNotFound)
		_, err := s.Get(ctx, a.ID)
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestMemoryContract(t *testing.T) {
	contract(t, task.NewMemoryStore())
}

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("ASTROTASK_TEST_DSN")
	if dsn == "" {
		t.Skip("ASTROTASK_TEST_DSN not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, nil)
	require.NoError(t, err)
	defer pg.Close()
	_, err = pg.db.Exec(ctx, `TRUNCATE taskqueue RESTART IDENTITY;`)
	require.NoError(t, err)

	contract(t, pg)
}
