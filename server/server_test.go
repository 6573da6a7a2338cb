package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrotask/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func hello(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("hello"))
}

func TestBuildMux(t *testing.T) {
	s := &Server{Registry: prometheus.NewRegistry()}
	mux := s.BuildMux([]Node{
		{Stem: "/", HTTPer: table{{Method: http.MethodPost, Path: "/tasks"}: hello}, Lock: true},
		{Stem: "focusers/*", HTTPer: table{{Method: http.MethodGet, Path: "/axes"}: hello}},
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w
	}

	assert.Equal(t, "hello", do(http.MethodPost, "/tasks", "").Body.String())
	assert.Equal(t, "hello", do(http.MethodGet, "/focusers/axes", "").Body.String())
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", "").Code)

	t.Run("lock", func(t *testing.T) {
		require.Contains(t, s.Lockers, "/")
		require.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool":true}`).Code)
		assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/tasks", "").Code)
		s.Lockers["/"].Unlock()
		assert.Equal(t, http.StatusOK, do(http.MethodPost, "/tasks", "").Code)
	})

	t.Run("endpoints", func(t *testing.T) {
		var graph map[string][]string
		require.NoError(t, json.Unmarshal(do(http.MethodGet, "/endpoints", "").Body.Bytes(), &graph))
		assert.Equal(t, []string{"GET /axes"}, graph["/focusers"])
		assert.Contains(t, graph["/"], "POST /tasks")
		assert.Contains(t, graph["/"], "GET /lock")
	})

	t.Run("metrics", func(t *testing.T) {
		body := do(http.MethodGet, "/metrics", "").Body.String()
		assert.Contains(t, body, "astrotask_http_requests_total")
	})
}

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.fits"), []byte("data"), 0666))

	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "a.fits", dir)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", w.Body.String())

	w = httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "b.fits", dir)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
