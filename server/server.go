// Package server assembles the HTTP interfaces of the daemon into one mux.
package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/generichttp"
	"github.com/nasa-jpl/astrotask/observability"
	"github.com/nasa-jpl/astrotask/server/middleware/locker"
)

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", filePath), http.StatusNotFound)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving source file stats %s", err), http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}

// Node is an HTTPer mounted under a stem of the root mux
type Node struct {
	// Stem is the mount point, sanitized with generichttp.SubMuxSanitize
	Stem string

	HTTPer generichttp.HTTPer

	// Lock guards the state changing routes of the node with a locker.  The
	// locker gets GET/POST <stem>/lock routes.
	Lock bool
}

// Server holds what BuildMux needs besides the nodes
type Server struct {
	Log *zap.Logger

	// Registry collects the HTTP metrics, nil disables them
	Registry *prometheus.Registry

	// Lockers are the lockers of the nodes, by sanitized stem
	Lockers map[string]*locker.Locker
}

// BuildMux constructs a chi mux with every node mounted at its stem.  The
// mux serves /endpoints, which returns every route by stem as JSON, and
// /metrics when a registry is set.
func (s *Server) BuildMux(nodes []Node) chi.Router {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(observability.RequestIDMiddleware)
	root.Use(observability.TracingMiddleware)
	root.Use(observability.AccessLogMiddleware(log))
	if s.Registry != nil {
		root.Use(observability.NewHTTPMetrics(s.Registry).Middleware)
		root.Handle("/metrics", observability.MetricsHandler(s.Registry))
	}
	if s.Lockers == nil {
		s.Lockers = map[string]*locker.Locker{}
	}

	supergraph := map[string][]string{}
	for _, node := range nodes {
		stem := generichttp.SubMuxSanitize(node.Stem)
		r := chi.NewRouter()
		if node.Lock {
			lock := locker.New()
			locker.Inject(node.HTTPer, lock)
			r.Use(lock.Check)
			s.Lockers[stem] = lock
		}
		node.HTTPer.RT().Bind(r)
		supergraph[stem] = node.HTTPer.RT().Endpoints()
		root.Mount(stem, r)
	}
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.WriteJSON(w, http.StatusOK, supergraph)
	})
	return root
}
