// Package notify delivers task state changes to the outside world.
//
// Every sink implements task.Notifier.  Delivery is best effort: a sink that
// cannot publish logs the failure and drops the notification, the queue is
// never held up by a broker.
package notify

import (
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/task"
)

// Multi fans a notification out to every sink in order.
type Multi []task.Notifier

// Notify implements task.Notifier.
func (m Multi) Notify(i task.Info) {
	for _, n := range m {
		if n != nil {
			n.Notify(i)
		}
	}
}

// Log writes every notification to a zap logger.
type Log struct {
	L *zap.Logger
}

// Notify implements task.Notifier.
func (l Log) Notify(i task.Info) {
	if l.L == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("id", i.ID),
		zap.Stringer("state", i.State),
		zap.Time("lastchange", i.LastChange),
	}
	if i.Cause != "" {
		fields = append(fields, zap.String("cause", i.Cause))
	}
	if i.Filename != "" {
		fields = append(fields, zap.String("filename", i.Filename))
	}
	if i.Removed {
		l.L.Info("task removed", fields...)
		return
	}
	l.L.Info("task state", fields...)
}
