package imgrec

import (
	"net/http"

	"github.com/nasa-jpl/astrotask/generichttp"
)

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// Inject adds GET and POST routes for /recorder/root and /recorder/prefix to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/recorder/root"}] = generichttp.GetString(func() (string, error) {
		return h.Root(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/recorder/root"}] = generichttp.SetString(h.SetRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/recorder/prefix"}] = generichttp.GetString(func() (string, error) {
		return h.Prefix(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/recorder/prefix"}] = generichttp.SetString(func(s string) error {
		h.SetPrefix(s)
		return nil
	})
}
