package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const within = 5 * time.Second

// gate is a work that runs until its entry is released or cancelled.
type gate struct {
	started chan int64

	mu      sync.Mutex
	release map[int64]chan struct{}
	active  int
	peak    int
}

func newGate() *gate {
	return &gate{started: make(chan int64, 64), release: map[int64]chan struct{}{}}
}

func (g *gate) ch(id int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[id]
	if !ok {
		c = make(chan struct{})
		g.release[id] = c
	}
	return c
}

func (g *gate) open(id int64) {
	close(g.ch(id))
}

func (g *gate) Run(ctx context.Context, e Entry) (Result, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	g.started <- e.ID
	select {
	case <-g.ch(e.ID):
		return Result{Filename: fmt.Sprintf("img%06d.fits", e.ID), Frame: Rect{W: 16, H: 8}}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (g *gate) peakActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *gate) expect(t *testing.T, id int64) {
	t.Helper()
	select {
	case got := <-g.started:
		require.Equal(t, id, got, "unexpected task started")
	case <-time.After(within):
		t.Fatalf("task %d never started", id)
	}
}

// expectAll receives one start per id, in any order.
func (g *gate) expectAll(t *testing.T, ids ...int64) {
	t.Helper()
	var got []int64
	for range ids {
		select {
		case id := <-g.started:
			got = append(got, id)
		case <-time.After(within):
			t.Fatalf("tasks %v started, expected %v", got, ids)
		}
	}
	assert.ElementsMatch(t, ids, got)
}

func (g *gate) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-g.started:
		t.Fatalf("task %d started unexpectedly", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	infos []Info
}

func (r *recorder) Notify(i Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, i)
}

func (r *recorder) all() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Info(nil), r.infos...)
}

func (r *recorder) ids(s State) []int64 {
	var out []int64
	for _, i := range r.all() {
		if i.State == s && !i.Removed {
			out = append(out, i.ID)
		}
	}
	return out
}

func sleepOn(camera string) Parameters {
	return Parameters{Kind: KindSleep, Camera: camera, Exposure: Exposure{Time: 1}}
}

func newTestQueue(t *testing.T, store Store, w Work, opts ...Option) *Queue {
	t.Helper()
	reg := NewRegistry()
	reg.Register(KindSleep, w)
	reg.Register(KindExposure, w)
	q, err := New(store, reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), within)
		defer cancel()
		assert.NoError(t, q.Close(ctx))
	})
	return q
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), within)
	t.Cleanup(cancel)
	return ctx
}

func TestQueueStateMachine(t *testing.T) {
	ctx := ctxT(t)
	q := newTestQueue(t, NewMemoryStore(), newGate())
	assert.Equal(t, Launching, q.State())

	assert.ErrorIs(t, q.Restart(), ErrIllegalState)
	assert.ErrorIs(t, q.Shutdown(), ErrIllegalState)
	assert.ErrorIs(t, q.WaitAll(ctx), ErrIllegalState)

	require.NoError(t, q.Stop())
	assert.Equal(t, Stopped, q.State(), "stop without executors is immediate")
	require.NoError(t, q.Stop())
	require.NoError(t, q.WaitAll(ctx))

	require.NoError(t, q.Shutdown())
	assert.Equal(t, Idle, q.State())
	assert.ErrorIs(t, q.Stop(), ErrIllegalState)
	assert.ErrorIs(t, q.Start(), ErrIllegalState)
	assert.ErrorIs(t, q.WaitAll(ctx), ErrIllegalState)
	assert.ErrorIs(t, q.Shutdown(), ErrIllegalState)

	require.NoError(t, q.Restart())
	assert.Equal(t, Launching, q.State())
	require.NoError(t, q.Start())
	assert.Equal(t, Launching, q.State())
}

func TestQueueSchedulerScenario(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	rec := &recorder{}
	store := NewMemoryStore()
	q := newTestQueue(t, store, g, WithNotifier(rec))

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := q.Submit(ctx, sleepOn("main"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, []int64{1, 2, 3}, ids)

	g.expect(t, 1)
	g.expectNone(t)
	for _, id := range []int64{2, 3} {
		e, err := q.Entry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, Pending, e.State)
		assert.False(t, q.Running(id))
	}

	g.open(1)
	g.expect(t, 2)
	require.NoError(t, q.Wait(ctx, 1))
	e, err := q.Entry(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Complete, e.State)
	assert.Equal(t, "img000001.fits", e.Filename)
	assert.Equal(t, Rect{W: 16, H: 8}, e.Frame)
	e, err = q.Entry(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Pending, e.State)

	g.open(2)
	g.expect(t, 3)
	g.open(3)
	require.NoError(t, q.Wait(ctx, 3))

	complete, err := q.List(ctx, Complete)
	require.NoError(t, err)
	assert.Len(t, complete, 3)
	assert.Equal(t, 1, g.peakActive(), "only one executor may drive the camera")

	// each launch follows the completion of its predecessor
	var order []string
	for _, i := range rec.all() {
		if i.State != Pending {
			order = append(order, fmt.Sprintf("%d:%s", i.ID, i.State))
		}
	}
	assert.Equal(t, []string{
		"1:executing", "1:complete",
		"2:executing", "2:complete",
		"3:executing", "3:complete",
	}, order)
}

func TestQueueLaunchOrder(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	rec := &recorder{}
	q := newTestQueue(t, NewMemoryStore(), g, WithNotifier(rec))

	require.NoError(t, q.Stop())
	a, err := q.Submit(ctx, sleepOn("a"))
	require.NoError(t, err)
	b, err := q.Submit(ctx, sleepOn("b"))
	require.NoError(t, err)
	g.expectNone(t)

	require.NoError(t, q.Start())
	assert.Equal(t, []int64{a, b}, rec.ids(Executing))
	assert.ElementsMatch(t, []int64{a, b}, q.Active())
	g.open(a)
	g.open(b)
}

func TestQueueBlockedEntryDoesNotGateLaterOnes(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	q := newTestQueue(t, NewMemoryStore(), g)

	first, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, first)

	blocked, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	other, err := q.Submit(ctx, sleepOn("guider"))
	require.NoError(t, err)
	g.expect(t, other)

	e, err := q.Entry(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, Pending, e.State)
	assert.False(t, q.Running(blocked))

	g.open(first)
	g.expect(t, blocked)
	g.open(blocked)
	g.open(other)
}

func TestQueueCancelIsSynchronous(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	q := newTestQueue(t, NewMemoryStore(), g)

	id, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, id)

	q.Cancel(id)
	e, err := q.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, e.State)
	assert.True(t, e.State.Terminal())

	require.NoError(t, q.Wait(ctx, id))
	assert.False(t, q.Running(id))

	q.Cancel(id)
	q.Cancel(4711)
}

func TestQueueWorkFailures(t *testing.T) {
	ctx := ctxT(t)
	tests := []struct {
		name  string
		work  WorkFunc
		cause string
	}{
		{
			name: "error",
			work: func(ctx context.Context, e Entry) (Result, error) {
				return Result{}, errors.New("ccd readout failed")
			},
			cause: "ccd readout failed",
		},
		{
			name: "panic",
			work: func(ctx context.Context, e Entry) (Result, error) {
				panic("shutter stuck")
			},
			cause: "panic: shutter stuck",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, NewMemoryStore(), tt.work)
			id, err := q.Submit(ctx, sleepOn("main"))
			require.NoError(t, err)
			require.NoError(t, q.Wait(ctx, id))

			e, err := q.Entry(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, Failed, e.State)
			assert.Equal(t, tt.cause, e.Cause)
			assert.Equal(t, Launching, q.State(), "a failing task does not disturb the queue")
		})
	}
}

func TestQueueStopDrains(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	q := newTestQueue(t, NewMemoryStore(), g)

	id, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, id)

	require.NoError(t, q.Stop())
	assert.Equal(t, Stopping, q.State())

	queued, err := q.Submit(ctx, sleepOn("other"))
	require.NoError(t, err)
	g.expectNone(t)

	drained := make(chan error, 1)
	go func() { drained <- q.WaitAll(ctx) }()
	select {
	case err := <-drained:
		t.Fatalf("WaitAll returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.open(id)
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(within):
		t.Fatal("queue never stopped")
	}
	assert.Equal(t, Stopped, q.State())
	assert.Empty(t, q.Active())

	require.NoError(t, q.Start())
	g.expect(t, queued)
	g.open(queued)
}

func TestQueueCloseCancelsExecutors(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	store := NewMemoryStore()
	reg := NewRegistry()
	reg.Register(KindSleep, g)
	q, err := New(store, reg)
	require.NoError(t, err)

	a, err := q.Submit(ctx, sleepOn("a"))
	require.NoError(t, err)
	b, err := q.Submit(ctx, sleepOn("b"))
	require.NoError(t, err)
	g.expectAll(t, a, b)

	require.NoError(t, q.Close(ctx))
	assert.Equal(t, Idle, q.State())
	for _, id := range []int64{a, b} {
		e, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, Cancelled, e.State)
	}
	require.NoError(t, q.Close(ctx), "closing an idle queue is a no-op")
}

func TestQueueWaitHonoursContext(t *testing.T) {
	g := newGate()
	q := newTestQueue(t, NewMemoryStore(), g)
	id, err := q.Submit(context.Background(), sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx, id), context.DeadlineExceeded)
	assert.True(t, q.Running(id))
}

func TestQueueRecover(t *testing.T) {
	ctx := ctxT(t)
	store := NewMemoryStore()
	stale := Entry{Params: sleepOn("main"), State: Executing, LastChange: time.Now()}
	require.NoError(t, store.Insert(ctx, &stale))
	done := Entry{Params: sleepOn("main"), State: Complete, LastChange: time.Now()}
	require.NoError(t, store.Insert(ctx, &done))

	rec := &recorder{}
	newTestQueue(t, store, newGate(), WithNotifier(rec))

	e, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, e.State)
	assert.Equal(t, CrashCause, e.Cause)
	e, err = store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, Complete, e.State)
	assert.Equal(t, []int64{stale.ID}, rec.ids(Failed))
}

// brokenStore cannot persist the executing state.  It keeps the executor
// that was registered for the failed launch.
type brokenStore struct {
	Store
	q       *Queue
	dropped *Executor
}

func (s *brokenStore) Update(ctx context.Context, e Entry) error {
	if e.State == Executing {
		// called by launch with q.mu held
		s.dropped = s.q.executors[e.ID]
		return errors.New("disk full")
	}
	return s.Store.Update(ctx, e)
}

func TestQueueLaunchPersistFailure(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	store := &brokenStore{Store: NewMemoryStore()}
	q := newTestQueue(t, store, g)
	store.q = q

	id, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expectNone(t)

	require.NotNil(t, store.dropped)
	assert.ErrorIs(t, store.dropped.ctx.Err(), context.Canceled, "the executor's context is released")
	assert.False(t, q.Running(id))
	assert.Empty(t, q.Active())
	e, err := q.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Pending, e.State)
}

func TestQueueRemove(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	rec := &recorder{}
	q := newTestQueue(t, NewMemoryStore(), g, WithNotifier(rec))

	id, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, id)
	assert.ErrorIs(t, q.Remove(ctx, id), ErrExecuting)

	g.open(id)
	require.NoError(t, q.Wait(ctx, id))
	require.NoError(t, q.Remove(ctx, id))

	ok, err := q.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = q.Info(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.Remove(ctx, id), ErrNotFound)

	last := rec.all()[len(rec.all())-1]
	assert.True(t, last.Removed)
	assert.Equal(t, id, last.ID)
}

func TestQueueSubmitValidation(t *testing.T) {
	ctx := ctxT(t)
	q := newTestQueue(t, NewMemoryStore(), newGate())

	_, err := q.Submit(ctx, Parameters{Kind: "dither", Camera: "main"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = q.Submit(ctx, Parameters{Kind: KindExposure})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = q.Submit(ctx, Parameters{})
	assert.ErrorIs(t, err, ErrInvalid)

	pending, err := q.List(ctx, Pending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueueNotifiesAfterPersisting(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	store := NewMemoryStore()
	var mismatches []string
	var mu sync.Mutex
	check := NotifierFunc(func(i Info) {
		e, err := store.Get(context.Background(), i.ID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil || e.State != i.State {
			mismatches = append(mismatches, fmt.Sprintf("%d:%s", i.ID, i.State))
		}
	})
	q := newTestQueue(t, store, g, WithNotifier(check))

	id, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, id)
	g.open(id)
	require.NoError(t, q.Wait(ctx, id))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, mismatches)
}

func TestQueueMetrics(t *testing.T) {
	ctx := ctxT(t)
	g := newGate()
	m := NewMetrics(prometheus.NewRegistry())
	q := newTestQueue(t, NewMemoryStore(), g, WithMetrics(m))

	id, err := q.Submit(ctx, sleepOn("main"))
	require.NoError(t, err)
	g.expect(t, id)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Active))

	g.open(id)
	require.NoError(t, q.Wait(ctx, id))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Active))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("complete")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
}
