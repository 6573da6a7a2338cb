package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueueState is the state of the queue as a whole.
type QueueState int

const (
	// Idle queues have no worker.
	Idle QueueState = iota
	// Launching queues start executors for unblocked pending entries.
	Launching
	// Stopping queues launch nothing and wait for executors to drain.
	Stopping
	// Stopped queues have no executors and launch nothing.
	Stopped
)

var queueStateNames = [...]string{"idle", "launching", "stopping", "stopped"}

func (s QueueState) String() string {
	if s < 0 || int(s) >= len(queueStateNames) {
		return fmt.Sprintf("QueueState(%d)", int(s))
	}
	return queueStateNames[s]
}

// ParseQueueState is the inverse of QueueState.String.
func ParseQueueState(s string) (QueueState, error) {
	for i, n := range queueStateNames {
		if strings.EqualFold(n, s) {
			return QueueState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown queue state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s QueueState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CrashCause is the cause recorded for entries found executing at startup.
const CrashCause = "server crash"

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger, the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithNotifier sets the sink informed of every persisted change.  Notify is
// called with the queue locked and must not block; wrap slow sinks in
// notify.Async.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithMetrics sets the prometheus collectors to update.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue schedules pending entries onto executors.  All state transitions
// happen under mu; a worker goroutine reaps finished executors and launches
// whatever they unblocked.
type Queue struct {
	store    Store
	works    *Registry
	notifier Notifier
	metrics  *Metrics
	log      *zap.Logger

	// ctx is used for store access from the worker and executors
	ctx context.Context

	mu sync.Mutex
	// statechange wakes the worker, wake is its predicate
	statechange *sync.Cond
	wake        bool
	// waiters wakes Wait and WaitAll callers
	waiters *sync.Cond

	state     QueueState
	executors map[int64]*Executor
	idqueue   []int64
	worker    chan struct{}
}

// New creates a queue over store, marks entries left executing by a previous
// process as failed, and starts it.
func New(store Store, works *Registry, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:     store,
		works:     works,
		log:       zap.NewNop(),
		ctx:       context.Background(),
		executors: make(map[int64]*Executor),
	}
	q.statechange = sync.NewCond(&q.mu)
	q.waiters = sync.NewCond(&q.mu)
	for _, o := range opts {
		o(q)
	}
	if err := q.Recover(q.ctx); err != nil {
		return nil, err
	}
	if err := q.Restart(); err != nil {
		return nil, err
	}
	return q, nil
}

// State returns the current queue state.
func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Recover fails every entry still marked executing with CrashCause.  It is
// only meaningful before any executor has been launched.
func (q *Queue) Recover(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stale, err := q.store.List(ctx, Executing)
	if err != nil {
		return fmt.Errorf("listing executing tasks: %w", err)
	}
	for _, e := range stale {
		if _, ok := q.executors[e.ID]; ok {
			continue
		}
		e.State = Failed
		e.Cause = CrashCause
		e.LastChange = time.Now().UTC()
		if err := q.update(ctx, e); err != nil {
			return err
		}
		q.log.Warn("recovered task left executing", zap.Int64("id", e.ID))
	}
	return nil
}

// Submit persists a new pending entry for p and tries to launch it.
func (q *Queue) Submit(ctx context.Context, p Parameters) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if _, err := q.works.lookup(p.Kind); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e := Entry{Params: p, State: Pending, LastChange: time.Now().UTC()}
	if err := q.store.Insert(ctx, &e); err != nil {
		return 0, fmt.Errorf("persisting task: %w", err)
	}
	q.log.Debug("submitted", zap.Int64("id", e.ID), zap.String("kind", string(p.Kind)))
	q.notify(e.Info())
	q.metrics.submitted()
	q.launch()
	return e.ID, nil
}

// Start resumes launching after Stop.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == Idle {
		return fmt.Errorf("%w: cannot start %s queue, restart it", ErrIllegalState, q.state)
	}
	q.setState(Launching)
	q.launch()
	q.signal()
	return nil
}

// Stop prevents further launches.  Without active executors the queue is
// stopped immediately, otherwise it is stopping until they have drained.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case Idle:
		return fmt.Errorf("%w: cannot stop %s queue", ErrIllegalState, q.state)
	case Stopped:
		return nil
	}
	if len(q.executors) == 0 {
		q.setState(Stopped)
		q.waiters.Broadcast()
	} else {
		q.setState(Stopping)
	}
	q.signal()
	return nil
}

// Restart starts the worker of an idle queue and begins launching.
func (q *Queue) Restart() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != Idle {
		return fmt.Errorf("%w: cannot restart %s queue", ErrIllegalState, q.state)
	}
	if q.worker != nil {
		select {
		case <-q.worker:
		default:
			return fmt.Errorf("%w: worker still shutting down", ErrIllegalState)
		}
	}
	q.setState(Launching)
	q.worker = make(chan struct{})
	go q.run(q.worker)
	q.launch()
	return nil
}

// Shutdown ends the worker of a stopped queue and waits for it to exit.
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	if q.state != Stopped {
		s := q.state
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot shut down %s queue", ErrIllegalState, s)
	}
	q.setState(Idle)
	worker := q.worker
	q.signal()
	q.waiters.Broadcast()
	q.mu.Unlock()

	<-worker
	return nil
}

// Close tears the queue down in the only safe order: stop launching, cancel
// the executors, wait for them to drain, end the worker.
func (q *Queue) Close(ctx context.Context) error {
	if err := q.Stop(); err != nil {
		if errors.Is(err, ErrIllegalState) {
			return nil
		}
		return err
	}
	q.CancelAll()
	if err := q.WaitAll(ctx); err != nil {
		return err
	}
	return q.Shutdown()
}

// Cancel aborts the executor of id and returns once its terminal state has
// been persisted.  Entries without an executor are left alone.
func (q *Queue) Cancel(id int64) {
	q.mu.Lock()
	x := q.executors[id]
	q.mu.Unlock()
	if x == nil {
		return
	}
	q.log.Debug("cancelling", zap.Int64("id", id))
	x.Cancel()
}

// CancelAll cancels every active executor, one after the other.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	active := make([]*Executor, 0, len(q.executors))
	for _, x := range q.executors {
		active = append(active, x)
	}
	q.mu.Unlock()
	for _, x := range active {
		x.Cancel()
	}
}

// Running is true while id has an executor.
func (q *Queue) Running(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.executors[id]
	return ok
}

// Active returns the ids with an executor.
func (q *Queue) Active() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.executors))
	for id := range q.executors {
		out = append(out, id)
	}
	return out
}

// Wait blocks until id has no executor or ctx is done.
func (q *Queue) Wait(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stop := q.wakeOnDone(ctx)
	defer stop()
	for {
		if _, ok := q.executors[id]; !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.waiters.Wait()
	}
}

// WaitAll blocks until a stopping queue has stopped.  Waiting on an idle or
// launching queue is an error.
func (q *Queue) WaitAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stop := q.wakeOnDone(ctx)
	defer stop()
	for {
		switch q.state {
		case Idle, Launching:
			return fmt.Errorf("%w: cannot wait on %s queue", ErrIllegalState, q.state)
		case Stopped:
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.waiters.Wait()
	}
}

// wakeOnDone broadcasts waiters once ctx is done, so waits honour it.
func (q *Queue) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.waiters.Broadcast()
		q.mu.Unlock()
	})
}

// Remove deletes an entry that is not executing.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.executors[id]; ok {
		return fmt.Errorf("%w: cannot remove task %d", ErrExecuting, id)
	}
	e, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Remove(ctx, id); err != nil {
		return err
	}
	info := e.Info()
	info.Removed = true
	info.LastChange = time.Now().UTC()
	q.notify(info)
	return nil
}

// Entry returns the persisted entry for id.
func (q *Queue) Entry(ctx context.Context, id int64) (Entry, error) {
	return q.store.Get(ctx, id)
}

// Info returns the notification view of the entry for id.
func (q *Queue) Info(ctx context.Context, id int64) (Info, error) {
	e, err := q.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return e.Info(), nil
}

// Exists is true if the store knows id.
func (q *Queue) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the entries in state s in ascending id order.
func (q *Queue) List(ctx context.Context, s State) ([]Entry, error) {
	return q.store.List(ctx, s)
}

// post is called by an executor when its work has ended.
func (q *Queue) post(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	x, ok := q.executors[id]
	if !ok {
		q.log.Error("post for unknown executor", zap.Int64("id", id))
		return
	}
	e := x.Task()
	if err := q.update(q.ctx, e); err != nil {
		q.log.Error("persisting task state", zap.Int64("id", id), zap.Error(err))
	}
	q.log.Debug("posted", zap.Int64("id", id), zap.Stringer("state", e.State))
	if e.State.Terminal() {
		q.idqueue = append(q.idqueue, id)
		q.signal()
	}
}

// update persists e and then notifies the sink.
func (q *Queue) update(ctx context.Context, e Entry) error {
	if err := q.store.Update(ctx, e); err != nil {
		return fmt.Errorf("updating task %d: %w", e.ID, err)
	}
	q.notify(e.Info())
	return nil
}

func (q *Queue) notify(i Info) {
	if q.notifier != nil {
		q.notifier.Notify(i)
	}
}

func (q *Queue) setState(s QueueState) {
	if q.state != s {
		q.log.Debug("queue state", zap.Stringer("from", q.state), zap.Stringer("to", s))
	}
	q.state = s
}

func (q *Queue) signal() {
	q.wake = true
	q.statechange.Signal()
}

// run is the worker.  It holds mu except while waiting on statechange.
func (q *Queue) run(done chan struct{}) {
	defer close(done)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for !q.wake {
			q.statechange.Wait()
		}
		q.wake = false
		if q.state == Idle {
			q.log.Debug("worker exiting")
			return
		}

		cleaned := false
		for len(q.idqueue) > 0 {
			id := q.idqueue[0]
			q.idqueue = q.idqueue[1:]
			q.cleanup(id)
			cleaned = true
		}
		if cleaned {
			q.waiters.Broadcast()
		}
		if q.state == Stopping && len(q.executors) == 0 {
			q.setState(Stopped)
			q.waiters.Broadcast()
		}
		q.launch()
	}
}

// cleanup reaps the executor of id once its goroutine has exited.
func (q *Queue) cleanup(id int64) {
	x, ok := q.executors[id]
	if !ok {
		return
	}
	// post has already returned, the goroutine only closes done after it
	x.Wait()
	delete(q.executors, id)
	e := x.Task()
	q.metrics.cleaned(x.kind, e.State, x.duration())
	q.log.Debug("cleaned up", zap.Int64("id", id))
}

// blocked is true if any active executor blocks e.
func (q *Queue) blocked(e Entry) bool {
	for _, x := range q.executors {
		if x.Blocks(e) {
			return true
		}
	}
	return false
}

// launch starts an executor for every unblocked pending entry in id order.
// An entry skipped in favour of a later one is reconsidered on the next
// call only.
func (q *Queue) launch() {
	if q.state != Launching {
		return
	}
	pending, err := q.store.Pending(q.ctx)
	if err != nil {
		q.log.Error("listing pending tasks", zap.Error(err))
		return
	}
	for _, e := range pending {
		if _, ok := q.executors[e.ID]; ok {
			continue
		}
		if q.blocked(e) {
			q.log.Debug("blocked", zap.Int64("id", e.ID))
			continue
		}
		w, err := q.works.lookup(e.Params.Kind)
		if err != nil {
			e.State = Failed
			e.Cause = err.Error()
			e.LastChange = time.Now().UTC()
			if err := q.update(q.ctx, e); err != nil {
				q.log.Error("persisting task state", zap.Int64("id", e.ID), zap.Error(err))
			}
			continue
		}

		e.State = Executing
		e.LastChange = time.Now().UTC()
		x := newExecutor(q, e, w)
		q.executors[e.ID] = x
		if err := q.update(q.ctx, e); err != nil {
			delete(q.executors, e.ID)
			x.cancel()
			q.log.Error("persisting task state", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		q.metrics.launched()
		q.log.Debug("launched", zap.Int64("id", e.ID), zap.String("run", x.RunID().String()))
		x.start()
	}
}
