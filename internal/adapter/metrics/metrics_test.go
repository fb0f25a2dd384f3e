package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordOperation("reserve", "granted")
	m.RecordOperation("reserve", "granted")
	m.RecordOperation("reserve", "locked_by_other")
	m.RecordSwept(3)
	m.RecordSwept(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("reserve", "granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("reserve", "locked_by_other")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Swept))
}

func TestNormalizePath(t *testing.T) {
	for in, want := range map[string]string{
		"/":                                 "root",
		"":                                  "root",
		"/health":                           "health",
		"/api/reservations":                 "api/reservations",
		"/api/reservations/vase-1":          "api/reservations",
		"/api/products/vase-1/availability": "api/products",
	} {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.Middleware)
	r.GET("/api/products/:id/availability", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/products/vase/availability", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("GET", "api/products", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "http_requests_total"))
}
