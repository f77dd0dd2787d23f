package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/chadiek/interview-agent/internal/metrics"
)

func newEcho(password string) *echo.Echo {
	e := echo.New()
	e.Use(Metrics())
	e.Use(Auth(password, "/private"))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/private/thing", ok)
	e.GET("/public", ok)
	return e
}

func TestAuth(t *testing.T) {
	e := newEcho("secret")
	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public route", "/public", "", http.StatusOK},
		{"missing password", "/private/thing", "", http.StatusUnauthorized},
		{"query password", "/private/thing?password=secret", "", http.StatusOK},
		{"bearer", "/private/thing", "Bearer secret", http.StatusOK},
		{"wrong bearer", "/private/thing", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			e.ServeHTTP(w, r)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestAuth_EmptyPasswordDisables(t *testing.T) {
	e := newEcho("")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private/thing", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetrics_CountsByRoute(t *testing.T) {
	e := newEcho("")
	counter := metrics.RequestCount.WithLabelValues(http.MethodGet, "/public", "200")
	before := testutil.ToFloat64(counter)

	for i := 0; i < 3; i++ {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/public", nil))
	}
	assert.Equal(t, before+3, testutil.ToFloat64(counter))
}
