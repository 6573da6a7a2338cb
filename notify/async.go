package notify

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/task"
)

// drainTimeout bounds how long Close delivers what is still buffered.
const drainTimeout = 5 * time.Second

// Async hands notifications to a sink on its own goroutine, in the order
// they were made.  Notify never blocks: when the buffer is full the
// notification is dropped and logged.
type Async struct {
	sink task.Notifier
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	ch     chan task.Info
	done   chan struct{}
}

// NewAsync starts delivering to sink with room for size pending
// notifications.
func NewAsync(sink task.Notifier, size int, log *zap.Logger) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		sink: sink,
		log:  log,
		ch:   make(chan task.Info, size),
		done: make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *Async) deliver() {
	defer close(a.done)
	for i := range a.ch {
		a.sink.Notify(i)
	}
}

// Notify implements task.Notifier.
func (a *Async) Notify(i task.Info) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- i:
	default:
		a.log.Warn("notification dropped, sink is behind",
			zap.Int64("id", i.ID), zap.Stringer("state", i.State))
	}
}

// Close stops accepting notifications and delivers the buffered ones,
// giving up after drainTimeout.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-time.After(drainTimeout):
		return errors.New("notifications still undelivered at close")
	}
}
