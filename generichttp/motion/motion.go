// Package motion provides a read-only HTTP interface to the focusers of the
// daemon.  Focusers are only moved by tasks, so the queue knows which
// devices are busy.
package motion

import (
	"errors"
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/astrotask/devices"
	"github.com/nasa-jpl/astrotask/generichttp"
	"github.com/nasa-jpl/astrotask/motion"
)

// Focusers looks focusers up by name
type Focusers interface {
	Focuser(name string) (motion.Axis, error)
	Focusers() []string
}

func axis(f Focusers, w http.ResponseWriter, r *http.Request) (motion.Axis, bool) {
	ax, err := f.Focuser(chi.URLParam(r, "axis"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, devices.ErrNoDevice) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return ax, false
	}
	return ax, true
}

// GetPos returns an HTTP handler func that gets the position of a focuser
func GetPos(f Focusers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ax, ok := axis(f, w, r)
		if !ok {
			return
		}
		pos, err := ax.Pos()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

// GetInPosition returns an HTTP handler func that reports if a focuser has
// stopped moving
func GetInPosition(f Focusers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ax, ok := axis(f, w, r)
		if !ok {
			return
		}
		inpos, err := ax.Ctl.GetInPosition(ax.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: inpos}
		hp.EncodeAndRespond(w, r)
	}
}

// Limits returns an HTTP handler func that returns the software limits of a
// focuser
func Limits(f Focusers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ax, ok := axis(f, w, r)
		if !ok {
			return
		}
		generichttp.WriteJSON(w, http.StatusOK, ax.Limits)
	}
}

// HTTPFocusers wraps the focusers of the daemon with HTTP
type HTTPFocusers struct {
	Focusers

	RouteTable generichttp.RouteTable
}

// NewHTTPFocusers returns a new HTTP wrapper with the route table pre-configured
func NewHTTPFocusers(f Focusers) HTTPFocusers {
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/axis/{axis}/pos"}:        GetPos(f),
		{Method: http.MethodGet, Path: "/axis/{axis}/inposition"}: GetInPosition(f),
		{Method: http.MethodGet, Path: "/axis/{axis}/limits"}:     Limits(f),
		{Method: http.MethodGet, Path: "/axes"}: func(w http.ResponseWriter, r *http.Request) {
			generichttp.WriteJSON(w, http.StatusOK, f.Focusers())
		},
	}
	return HTTPFocusers{Focusers: f, RouteTable: rt}
}

// RT satisfies the HTTPer interface
func (h HTTPFocusers) RT() generichttp.RouteTable {
	return h.RouteTable
}
