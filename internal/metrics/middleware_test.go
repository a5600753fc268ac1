package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Patch("/v1/students", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Patch("/v1/students/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "202"))
	conflict := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "409"))

	for _, target := range []string{"/v1/students", "/v1/students/42", "/v1/students/43"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, target, nil))
	}

	require.InDelta(t, accepted+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "202")), 1e-9)
	require.InDelta(t, conflict+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "409")), 1e-9)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareWithoutRouter(t *testing.T) {
	Init()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodOptions, "418"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/anything", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodOptions, "418")), 1e-9)
}

func TestMiddlewareTracksInFlight(t *testing.T) {
	Init()
	base := testutil.ToFloat64(httpInFlight)
	var during float64
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		during = testutil.ToFloat64(httpInFlight)
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.GreaterOrEqual(t, during, base+1)
	require.Equal(t, "ok", rec.Body.String())
}

func TestRouteOfUnmatched(t *testing.T) {
	t.Parallel()

	require.Equal(t, unmatchedRoute, routeOf(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
