package motion

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/nasa-jpl/astrotask/devices"
	"github.com/nasa-jpl/astrotask/motion"
)

func TestHTTPFocusers(t *testing.T) {
	ctl := motion.NewMockController(0)
	ctl.Home("foc", 1234)
	repo := devices.NewRepository()
	repo.AddFocuser("main", motion.Axis{Ctl: ctl, Name: "foc", Limits: motion.Limiter{Min: 0, Max: 3000}})

	r := chi.NewRouter()
	NewHTTPFocusers(repo).RT().Bind(r)

	cases := []struct {
		path string
		code int
		body string
	}{
		{"/axis/main/pos", http.StatusOK, `{"f64":1234}`},
		{"/axis/main/inposition", http.StatusOK, `{"bool":true}`},
		{"/axis/main/limits", http.StatusOK, `{"min":0,"max":3000}`},
		{"/axes", http.StatusOK, `["main"]`},
		{"/axis/guider/pos", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.code, w.Code)
			if tc.body != "" {
				assert.JSONEq(t, tc.body, w.Body.String())
			}
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/axis/main/pos", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "focusers only move through tasks")
}
