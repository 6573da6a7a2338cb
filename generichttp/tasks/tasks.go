// Package tasks provides the HTTP interface to the task queue: submission,
// monitoring, cancellation and queue control.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/focusing"
	"github.com/nasa-jpl/astrotask/generichttp"
	"github.com/nasa-jpl/astrotask/server"
	"github.com/nasa-jpl/astrotask/task"
)

// DefaultWait bounds POST /tasks/{id}/wait when no timeout is given.
const DefaultWait = 30 * time.Second

// Queue is the part of *task.Queue the HTTP interface drives
type Queue interface {
	Submit(ctx context.Context, p task.Parameters) (int64, error)
	Entry(ctx context.Context, id int64) (task.Entry, error)
	Exists(ctx context.Context, id int64) (bool, error)
	List(ctx context.Context, s task.State) ([]task.Entry, error)
	Remove(ctx context.Context, id int64) error
	Cancel(id int64)
	CancelAll()
	Wait(ctx context.Context, id int64) error
	State() task.QueueState
	Start() error
	Stop() error
	Restart() error
}

// Code maps an error from the queue to an HTTP status code.
func Code(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrIllegalState), errors.Is(err, task.ErrExecuting):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalid), errors.Is(err, focusing.ErrTooFewItems),
		errors.Is(err, focusing.ErrDomain):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Code(err))
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "task id must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// Submit returns an HTTP handler func that queues the task in the body and
// replies {"int": id}
func Submit(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p task.Parameters
		err := json.NewDecoder(r.Body).Decode(&p)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := q.Submit(r.Context(), p)
		if err != nil {
			fail(w, err)
			return
		}
		generichttp.WriteJSON(w, http.StatusCreated, generichttp.IntT{Int: int(id)})
	}
}

// List returns an HTTP handler func that lists the entries in the state
// given by the state query parameter, or all entries without one
func List(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := []task.State{task.Pending, task.Executing, task.Failed, task.Cancelled, task.Complete}
		if s := r.URL.Query().Get("state"); s != "" {
			st, err := task.ParseState(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			states = []task.State{st}
		}
		out := []task.Entry{}
		for _, s := range states {
			es, err := q.List(r.Context(), s)
			if err != nil {
				fail(w, err)
				return
			}
			out = append(out, es...)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		generichttp.WriteJSON(w, http.StatusOK, out)
	}
}

// Get returns an HTTP handler func that replies with one entry
func Get(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		e, err := q.Entry(r.Context(), id)
		if err != nil {
			fail(w, err)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, e)
	}
}

// Remove returns an HTTP handler func that deletes an entry which is not
// executing
func Remove(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		if err := q.Remove(r.Context(), id); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Cancel returns an HTTP handler func that cancels an executing entry and
// replies with its final state
func Cancel(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		q.Cancel(id)
		e, err := q.Entry(r.Context(), id)
		if err != nil {
			fail(w, err)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, e)
	}
}

// Wait returns an HTTP handler func that blocks until an entry is no longer
// executing, at most for the duration in the timeout query parameter
func Wait(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		timeout := DefaultWait
		if s := r.URL.Query().Get("timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			timeout = d
		}
		if exists, err := q.Exists(r.Context(), id); err != nil || !exists {
			if err == nil {
				err = task.ErrNotFound
			}
			fail(w, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := q.Wait(ctx, id); err != nil {
			fail(w, err)
			return
		}
		e, err := q.Entry(r.Context(), id)
		if err != nil {
			fail(w, err)
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, e)
	}
}

// Image returns an HTTP handler func that serves the FITS file recorded by
// a completed entry
func Image(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskID(w, r)
		if !ok {
			return
		}
		e, err := q.Entry(r.Context(), id)
		if err != nil {
			fail(w, err)
			return
		}
		if e.State != task.Complete || e.Filename == "" {
			http.Error(w, fmt.Sprintf("task %d has no image, it is %s", id, e.State), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/fits")
		server.ReplyWithFile(w, r, filepath.Base(e.Filename), filepath.Dir(e.Filename))
	}
}

// control returns a handler calling fcn, replying with the queue state
func control(q Queue, fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			fail(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.String, String: q.State().String()}
		hp.EncodeAndRespond(w, r)
	}
}

// SolveRequest is the body of POST /focus/solve
type SolveRequest struct {
	Items []focusing.FocusItem `json:"items"`
}

// Solve returns an HTTP handler func that runs the symmetric focus solver on
// a scan and replies {"f64": position}
func Solve(s focusing.Solver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SolveRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pos, err := s.Position(req.Items)
		if err != nil {
			fail(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPQueue wraps a task queue with HTTP
type HTTPQueue struct {
	Queue

	RouteTable generichttp.RouteTable
}

// NewHTTPQueue returns a new HTTP wrapper with the route table pre-configured
func NewHTTPQueue(q Queue, log *zap.Logger) HTTPQueue {
	if log == nil {
		log = zap.NewNop()
	}
	start := func() error {
		if q.State() == task.Idle {
			return q.Restart()
		}
		return q.Start()
	}
	cancelAll := func() error {
		log.Info("cancelling all tasks")
		q.CancelAll()
		return nil
	}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/tasks"}:             Submit(q),
		{Method: http.MethodGet, Path: "/tasks"}:              List(q),
		{Method: http.MethodGet, Path: "/tasks/{id}"}:         Get(q),
		{Method: http.MethodDelete, Path: "/tasks/{id}"}:      Remove(q),
		{Method: http.MethodPost, Path: "/tasks/{id}/cancel"}: Cancel(q),
		{Method: http.MethodPost, Path: "/tasks/{id}/wait"}:   Wait(q),
		{Method: http.MethodGet, Path: "/tasks/{id}/image"}:   Image(q),
		{Method: http.MethodGet, Path: "/queue/state"}:        control(q, func() error { return nil }),
		{Method: http.MethodPost, Path: "/queue/start"}:       control(q, start),
		{Method: http.MethodPost, Path: "/queue/stop"}:        control(q, q.Stop),
		{Method: http.MethodPost, Path: "/queue/cancel"}:      control(q, cancelAll),
		{Method: http.MethodPost, Path: "/focus/solve"}:       Solve(focusing.SymmetricSolver{}),
	}
	return HTTPQueue{Queue: q, RouteTable: rt}
}

// RT satisfies the HTTPer interface
func (h HTTPQueue) RT() generichttp.RouteTable {
	return h.RouteTable
}
