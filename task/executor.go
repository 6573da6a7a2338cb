package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer trace.Tracer = otel.Tracer("github.com/nasa-jpl/astrotask/task")

// Executor runs the work of a single entry on its own goroutine and posts
// the terminal state back to its queue exactly once.
type Executor struct {
	q      *Queue
	id     int64
	run    uuid.UUID
	kind   Kind
	params Parameters
	work   Work
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	entry   Entry
	started time.Time
	ended   time.Time
}

func newExecutor(q *Queue, e Entry, w Work) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	run := uuid.New()
	return &Executor{
		q:      q,
		id:     e.ID,
		run:    run,
		kind:   e.Params.Kind,
		params: e.Params,
		work:   w,
		log:    q.log.With(zap.Int64("id", e.ID), zap.String("run", run.String())),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		entry:  e,
	}
}

// ID is the id of the entry being executed.
func (x *Executor) ID() int64 {
	return x.id
}

// RunID identifies this execution in logs and traces.
func (x *Executor) RunID() uuid.UUID {
	return x.run
}

// Blocks is true if the candidate claims a device this executor drives.
func (x *Executor) Blocks(candidate Entry) bool {
	return Conflicts(x.params, candidate.Params)
}

// Task returns a snapshot of the executed entry.
func (x *Executor) Task() Entry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.entry
}

// Cancel aborts the work and returns once the terminal state has been
// posted and the goroutine has exited.
func (x *Executor) Cancel() {
	x.cancel()
	<-x.done
}

// Wait blocks until the goroutine has exited.
func (x *Executor) Wait() {
	<-x.done
}

func (x *Executor) duration() time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ended.Sub(x.started)
}

// start must be called after the executor is in the queue's map.
func (x *Executor) start() {
	x.mu.Lock()
	x.started = time.Now()
	x.mu.Unlock()
	go x.execute()
}

func (x *Executor) execute() {
	defer close(x.done)
	defer x.cancel()

	ctx, span := tracer.Start(x.ctx, "task.execute", trace.WithAttributes(
		attribute.Int64("task.id", x.id),
		attribute.String("task.kind", string(x.kind)),
		attribute.String("task.run", x.run.String()),
	))

	x.log.Debug("executing")
	res, err := x.safeRun(ctx)

	x.mu.Lock()
	x.ended = time.Now()
	x.entry.LastChange = x.ended.UTC()
	switch {
	case err == nil:
		x.entry.State = Complete
		x.entry.Filename = res.Filename
		x.entry.Frame = res.Frame
	case errors.Is(err, context.Canceled) && x.ctx.Err() != nil:
		x.entry.State = Cancelled
		x.entry.Cause = "cancelled"
	default:
		x.entry.State = Failed
		x.entry.Cause = err.Error()
	}
	state := x.entry.State
	x.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("task.state", state.String()))
	span.End()
	x.log.Debug("finished", zap.Stringer("state", state), zap.Error(err))

	x.q.post(x.id)
}

func (x *Executor) safeRun(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("work panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return x.work.Run(ctx, x.Task())
}
