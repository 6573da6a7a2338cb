package notify

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/task"
)

// Publisher is the part of *nats.Conn NATS uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes each notification as JSON on <subject>.<state>, or
// <subject>.removed for removals.
type NATS struct {
	pub     Publisher
	subject string
	log     *zap.Logger
	conn    *nats.Conn
}

// NewNATS publishes on pub.
func NewNATS(pub Publisher, subject string, log *zap.Logger) *NATS {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATS{pub: pub, subject: subject, log: log}
}

// DialNATS connects to the server at url, retrying in the background while
// the server is unreachable.
func DialNATS(url, subject string, log *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("astrotaskd"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	n := NewNATS(nc, subject, log)
	n.conn = nc
	return n, nil
}

// Subject is the subject a notification is published on.
func (n *NATS) Subject(i task.Info) string {
	if i.Removed {
		return n.subject + ".removed"
	}
	return n.subject + "." + i.State.String()
}

// Notify implements task.Notifier.
func (n *NATS) Notify(i task.Info) {
	b, err := json.Marshal(i)
	if err != nil {
		n.log.Error("cannot encode notification", zap.Int64("id", i.ID), zap.Error(err))
		return
	}
	if err := n.pub.Publish(n.Subject(i), b); err != nil {
		n.log.Warn("nats publish failed", zap.Int64("id", i.ID), zap.Error(err))
	}
}

// Close drains the connection opened by DialNATS.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
